package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrLineGroupNotFound is returned when a group has no domains.
var ErrLineGroupNotFound = errors.New("line group not found")

// GroupDomains puts domains under a named group. A domain already in another
// group moves to this one, so repeating the call is a no-op.
func GroupDomains(ctx context.Context, q DBTX, accountID, groupID, name string, domains []string) error {
	batch := &pgx.Batch{}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		batch.Queue(`
			INSERT INTO line_groups (account_id, domain, group_id, name)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_id, domain) DO UPDATE SET
				group_id = EXCLUDED.group_id,
				name = EXCLUDED.name
		`, accountID, d, groupID, name)
	}

	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("group domains", err)
	}
	return nil
}

// UngroupDomains removes every domain from a group.
func UngroupDomains(ctx context.Context, q DBTX, accountID, groupID string) error {
	tag, err := q.Exec(ctx, `DELETE FROM line_groups WHERE account_id = $1 AND group_id = $2`, accountID, groupID)
	if err != nil {
		return storageErr("ungroup domains", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLineGroupNotFound
	}
	return nil
}

// ListLineGroups returns all domain assignments ordered by group then domain.
func ListLineGroups(ctx context.Context, q DBTX, accountID string) ([]models.LineGroup, error) {
	rows, err := q.Query(ctx, `
		SELECT account_id, group_id, name, domain FROM line_groups
		WHERE account_id = $1
		ORDER BY group_id, domain
	`, accountID)
	if err != nil {
		return nil, storageErr("list line groups", err)
	}

	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.LineGroup, error) {
		var g models.LineGroup
		err := row.Scan(&g.AccountID, &g.GroupID, &g.Name, &g.Domain)
		return g, err
	})
	if err != nil {
		return nil, storageErr("collect line groups", err)
	}
	return groups, nil
}
