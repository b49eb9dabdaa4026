package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/vdavid/mailsync/internal/models"
)

// SeedOnboardingTasks creates the pending task rows for an account. Existing
// rows are left alone, so seeding is idempotent.
func SeedOnboardingTasks(ctx context.Context, q DBTX, accountID string) error {
	batch := &pgx.Batch{}
	for _, task := range models.OnboardingTasks {
		batch.Queue(`
			INSERT INTO onboarding_tasks (account_id, task)
			VALUES ($1, $2)
			ON CONFLICT (account_id, task) DO NOTHING
		`, accountID, string(task))
	}

	if err := q.SendBatch(ctx, batch).Close(); err != nil {
		return storageErr("seed onboarding tasks", err)
	}
	return nil
}

// NextOnboardingTask returns the first task in pipeline order that is not
// done. ok is false when every task is done.
func NextOnboardingTask(ctx context.Context, q DBTX, accountID string) (task models.OnboardingTask, ok bool, err error) {
	order := make([]string, len(models.OnboardingTasks))
	for i, t := range models.OnboardingTasks {
		order[i] = string(t)
	}

	var name string
	err = q.QueryRow(ctx, `
		SELECT task FROM onboarding_tasks
		WHERE account_id = $1 AND status = 'pending'
		ORDER BY array_position($2::text[], task)
		LIMIT 1
	`, accountID, order).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, storageErr("get next onboarding task", err)
	}

	task, err = models.ParseOnboardingTask(name)
	if err != nil {
		return "", false, err
	}
	return task, true, nil
}

// CompleteOnboardingTask marks a task done. finished is true only for the
// call that completed the last pending task, so the caller can announce
// onboarding completion exactly once.
func CompleteOnboardingTask(ctx context.Context, q DBTX, accountID string, task models.OnboardingTask) (finished bool, err error) {
	tag, err := q.Exec(ctx, `
		UPDATE onboarding_tasks SET status = 'done', updated_at = now()
		WHERE account_id = $1 AND task = $2 AND status = 'pending'
	`, accountID, string(task))
	if err != nil {
		return false, storageErr("complete onboarding task", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	var pending int
	if err := q.QueryRow(ctx, `
		SELECT count(*) FROM onboarding_tasks WHERE account_id = $1 AND status = 'pending'
	`, accountID).Scan(&pending); err != nil {
		return false, storageErr("count pending onboarding tasks", err)
	}
	return pending == 0, nil
}

// OnboardingComplete reports whether the account has been seeded and every
// task is done.
func OnboardingComplete(ctx context.Context, q DBTX, accountID string) (bool, error) {
	var total, done int
	err := q.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status = 'done')
		FROM onboarding_tasks WHERE account_id = $1
	`, accountID).Scan(&total, &done)
	if err != nil {
		return false, storageErr("check onboarding", err)
	}
	return total == len(models.OnboardingTasks) && done == total, nil
}

// LoadOnboardingCursor decodes a task's JSON cursor into dest. A missing
// cursor leaves dest untouched.
func LoadOnboardingCursor(ctx context.Context, q DBTX, accountID string, task models.OnboardingTask, dest any) error {
	var raw []byte
	err := q.QueryRow(ctx, `
		SELECT cursor FROM onboarding_tasks WHERE account_id = $1 AND task = $2
	`, accountID, string(task)).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return storageErr("load onboarding cursor", err)
	}
	if raw == nil {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("failed to decode onboarding cursor: %w", err)
	}
	return nil
}

// SaveOnboardingCursor stores a task's progress as JSON.
func SaveOnboardingCursor(ctx context.Context, q DBTX, accountID string, task models.OnboardingTask, cursor any) error {
	raw, err := json.Marshal(cursor)
	if err != nil {
		return fmt.Errorf("failed to encode onboarding cursor: %w", err)
	}

	_, err = q.Exec(ctx, `
		UPDATE onboarding_tasks SET cursor = $3, updated_at = now()
		WHERE account_id = $1 AND task = $2
	`, accountID, string(task), raw)
	if err != nil {
		return storageErr("save onboarding cursor", err)
	}
	return nil
}
