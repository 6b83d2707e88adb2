package repository

import (
	"os"
	"strings"
	"testing"
)

func TestMigration_AuditLogIsAppendOnly(t *testing.T) {
	t.Parallel()

	sql, err := os.ReadFile("../../migrations/0001_signing.up.sql")
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	text := string(sql)

	for _, want := range []string{
		"BEFORE UPDATE OR DELETE ON signing_audit_log",
		"RAISE EXCEPTION",
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("migration is missing %q", want)
		}
	}
}
