package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrEntityNotFound is returned when no entity has the given address.
var ErrEntityNotFound = errors.New("entity not found")

const entityColumns = `account_id, email, trust_level, display_name, source, first_seen, last_seen, sent_count`

func scanEntity(row pgx.Row) (*models.Entity, error) {
	var (
		e      models.Entity
		level  string
		source string
	)
	if err := row.Scan(&e.AccountID, &e.Email, &level, &e.DisplayName, &source,
		&e.FirstSeen, &e.LastSeen, &e.SentCount); err != nil {
		return nil, err
	}

	var err error
	if e.TrustLevel, err = models.ParseTrustLevel(level); err != nil {
		return nil, err
	}
	if e.Source, err = models.ParseEntitySource(source); err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEntity inserts or merges an entity. The address must already be
// normalized. On conflict the stronger trust level wins, the seen range
// widens, an existing display name and source are kept, and a non-null
// incoming sent_count replaces the stored one.
func UpsertEntity(ctx context.Context, q DBTX, e *models.Entity) error {
	now := time.Now()
	firstSeen, lastSeen := e.FirstSeen, e.LastSeen
	if firstSeen.IsZero() {
		firstSeen = now
	}
	if lastSeen.IsZero() {
		lastSeen = now
	}

	_, err := q.Exec(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id, email) DO UPDATE SET
			trust_level = CASE
				WHEN `+rank("EXCLUDED.trust_level")+` > `+rank("entities.trust_level")+`
				THEN EXCLUDED.trust_level
				ELSE entities.trust_level
			END,
			display_name = COALESCE(entities.display_name, EXCLUDED.display_name),
			first_seen = LEAST(entities.first_seen, EXCLUDED.first_seen),
			last_seen = GREATEST(entities.last_seen, EXCLUDED.last_seen),
			sent_count = COALESCE(EXCLUDED.sent_count, entities.sent_count)
	`, e.AccountID, e.Email, string(e.TrustLevel), e.DisplayName, string(e.Source),
		firstSeen, lastSeen, e.SentCount)
	if err != nil {
		return storageErr("upsert entity", err)
	}
	return nil
}

// rank mirrors models.TrustLevel.Rank for a trust_level column.
func rank(column string) string {
	return "(CASE " + column + " WHEN 'user' THEN 4 WHEN 'alias' THEN 3 WHEN 'contact' THEN 2 WHEN 'connection' THEN 1 ELSE 0 END)"
}

// GetEntity returns one entity by normalized address.
func GetEntity(ctx context.Context, q DBTX, accountID, email string) (*models.Entity, error) {
	e, err := scanEntity(q.QueryRow(ctx, `
		SELECT `+entityColumns+` FROM entities WHERE account_id = $1 AND email = $2
	`, accountID, email))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEntityNotFound
	}
	if err != nil {
		return nil, storageErr("get entity", err)
	}
	return e, nil
}

// ListEntities returns all entities of an account, strongest trust first.
func ListEntities(ctx context.Context, q DBTX, accountID string) ([]*models.Entity, error) {
	rows, err := q.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE account_id = $1
		ORDER BY `+rank("trust_level")+` DESC, email
	`, accountID)
	if err != nil {
		return nil, storageErr("list entities", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("scan entity", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entities", err)
	}
	return entities, nil
}

// ListSelfAddresses returns the addresses at user or alias level.
func ListSelfAddresses(ctx context.Context, q DBTX, accountID string) ([]string, error) {
	rows, err := q.Query(ctx, `
		SELECT email FROM entities
		WHERE account_id = $1 AND trust_level IN ('user', 'alias')
		ORDER BY email
	`, accountID)
	if err != nil {
		return nil, storageErr("list self addresses", err)
	}

	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, storageErr("collect self addresses", err)
	}
	return emails, nil
}

// TrustMap returns every entity's trust level keyed by address.
func TrustMap(ctx context.Context, q DBTX, accountID string) (map[string]models.TrustLevel, error) {
	entities, err := ListEntities(ctx, q, accountID)
	if err != nil {
		return nil, err
	}

	m := make(map[string]models.TrustLevel, len(entities))
	for _, e := range entities {
		m[e.Email] = e.TrustLevel
	}
	return m, nil
}

// ListEntitiesByLevel returns entities at exactly the given trust level.
func ListEntitiesByLevel(ctx context.Context, q DBTX, accountID string, level models.TrustLevel) ([]*models.Entity, error) {
	rows, err := q.Query(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE account_id = $1 AND trust_level = $2
		ORDER BY email
	`, accountID, string(level))
	if err != nil {
		return nil, storageErr("list entities by level", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, storageErr("scan entity", err)
		}
		entities = append(entities, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate entities", err)
	}
	return entities, nil
}

// DeleteEntity removes an entity. Callers request a conversation rebuild
// afterwards; the store itself never touches derived views.
func DeleteEntity(ctx context.Context, q DBTX, accountID, email string) error {
	tag, err := q.Exec(ctx, `DELETE FROM entities WHERE account_id = $1 AND email = $2`, accountID, email)
	if err != nil {
		return storageErr("delete entity", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrEntityNotFound
	}
	return nil
}

// CountEntities returns the number of entities of an account.
func CountEntities(ctx context.Context, q DBTX, accountID string) (int, error) {
	var n int
	if err := q.QueryRow(ctx, `SELECT count(*) FROM entities WHERE account_id = $1`, accountID).Scan(&n); err != nil {
		return 0, storageErr("count entities", err)
	}
	return n, nil
}
