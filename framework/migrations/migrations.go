// Package migrations применяет миграции схемы хранилища саг через goose.
// SQL файлы встроены в бинарник.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
)

//go:embed sql/*.sql
var embedded embed.FS

const dir = "sql"

var setupOnce sync.Once
var setupErr error

// MigrationStatus представляет статус миграции
type MigrationStatus struct {
	Version   int64
	Name      string
	AppliedAt *time.Time
	Status    string // "pending", "applied"
}

func setup() error {
	setupOnce.Do(func() {
		goose.SetBaseFS(embedded)
		goose.SetLogger(goose.NopLogger())
		setupErr = goose.SetDialect("postgres")
	})
	return setupErr
}

// Collect возвращает встроенные миграции по возрастанию версии
func Collect() (goose.Migrations, error) {
	if err := setup(); err != nil {
		return nil, err
	}
	migrations, err := goose.CollectMigrations(dir, 0, goose.MaxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to collect migrations: %w", err)
	}
	return migrations, nil
}

// Up применяет pending миграции; steps > 0 ограничивает их число
func Up(ctx context.Context, db *sql.DB, steps int64) error {
	if err := setup(); err != nil {
		return err
	}
	if steps <= 0 {
		if err := goose.UpContext(ctx, db, dir); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		return nil
	}

	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		current = 0
	}
	migrations, err := Collect()
	if err != nil {
		return err
	}
	target, ok := upTarget(migrations, current, steps)
	if !ok {
		return nil
	}
	if err := goose.UpToContext(ctx, db, dir, target); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// upTarget версия, до которой нужно применить steps миграций после current
func upTarget(migrations goose.Migrations, current, steps int64) (int64, bool) {
	var pending []int64
	for _, m := range migrations {
		if m.Version > current {
			pending = append(pending, m.Version)
		}
	}
	if len(pending) == 0 {
		return 0, false
	}
	if int64(len(pending)) < steps {
		return pending[len(pending)-1], true
	}
	return pending[steps-1], true
}

// Down откатывает steps последних миграций (минимум одну)
func Down(ctx context.Context, db *sql.DB, steps int64) error {
	if err := setup(); err != nil {
		return err
	}
	if steps <= 1 {
		if err := goose.DownContext(ctx, db, dir); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		return nil
	}

	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return fmt.Errorf("failed to get current version: %w", err)
	}
	migrations, err := Collect()
	if err != nil {
		return err
	}
	if err := goose.DownToContext(ctx, db, dir, downTarget(migrations, current, steps)); err != nil {
		return fmt.Errorf("failed to rollback migrations: %w", err)
	}
	return nil
}

// downTarget версия, остающаяся после отката steps примененных миграций
func downTarget(migrations goose.Migrations, current, steps int64) int64 {
	var applied []int64
	for _, m := range migrations {
		if m.Version <= current {
			applied = append(applied, m.Version)
		}
	}
	idx := int64(len(applied)) - steps - 1
	if idx < 0 {
		return 0
	}
	return applied[idx]
}

// Status возвращает статус всех встроенных миграций
func Status(ctx context.Context, db *sql.DB) ([]MigrationStatus, error) {
	migrations, err := Collect()
	if err != nil {
		return nil, err
	}
	current, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		current = 0
	}

	statuses := make([]MigrationStatus, 0, len(migrations))
	for _, m := range migrations {
		status := MigrationStatus{Version: m.Version, Name: m.Source, Status: "pending"}
		if m.Version <= current {
			var appliedAt time.Time
			err := db.QueryRowContext(ctx,
				"SELECT tstamp FROM goose_db_version WHERE version_id = $1 AND is_applied = true ORDER BY tstamp DESC LIMIT 1",
				m.Version,
			).Scan(&appliedAt)
			if err == nil {
				status.AppliedAt = &appliedAt
				status.Status = "applied"
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}

// Version возвращает текущую версию схемы
func Version(ctx context.Context, db *sql.DB) (int64, error) {
	if err := setup(); err != nil {
		return 0, err
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}
