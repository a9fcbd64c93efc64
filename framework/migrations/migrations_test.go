package migrations

import (
	"strings"
	"testing"

	"github.com/pressly/goose/v3"
)

func TestCollect(t *testing.T) {
	migrations, err := Collect()
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("Expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[1].Version != 2 {
		t.Errorf("Unexpected versions: %d, %d", migrations[0].Version, migrations[1].Version)
	}
}

func TestSchema(t *testing.T) {
	data, err := embedded.ReadFile("sql/00001_create_sagas.sql")
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	schema := string(data)
	for _, want := range []string{
		"CHECK (current_step BETWEEN 0 AND total_steps)",
		"WHERE status = 'compensating'",
		"idx_sagas_email_id",
		"-- +goose Down",
	} {
		if !strings.Contains(schema, want) {
			t.Errorf("Schema is missing %q", want)
		}
	}
}

func versions(vs ...int64) goose.Migrations {
	out := make(goose.Migrations, 0, len(vs))
	for _, v := range vs {
		out = append(out, &goose.Migration{Version: v})
	}
	return out
}

func TestUpTarget(t *testing.T) {
	all := versions(1, 2, 3)

	if target, ok := upTarget(all, 0, 2); !ok || target != 2 {
		t.Errorf("Expected target 2, got %d (%v)", target, ok)
	}
	if target, ok := upTarget(all, 1, 10); !ok || target != 3 {
		t.Errorf("Expected target 3, got %d (%v)", target, ok)
	}
	if _, ok := upTarget(all, 3, 1); ok {
		t.Errorf("Expected nothing to apply")
	}
}

func TestDownTarget(t *testing.T) {
	all := versions(1, 2, 3)

	if target := downTarget(all, 3, 2); target != 1 {
		t.Errorf("Expected target 1, got %d", target)
	}
	if target := downTarget(all, 3, 5); target != 0 {
		t.Errorf("Expected target 0, got %d", target)
	}
	if target := downTarget(all, 2, 1); target != 1 {
		t.Errorf("Expected target 1, got %d", target)
	}
}
