package migrations

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(sqlFS, "sql")
	if err != nil {
		t.Fatalf("read embedded dir: %v", err)
	}

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected file %s", name)
		}
	}

	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for name := range ups {
		if !downs[name] {
			t.Errorf("migration %s has no down file", name)
		}
	}
}

func TestEmbeddedMigrationsParse(t *testing.T) {
	src, err := iofs.New(sqlFS, "sql")
	if err != nil {
		t.Fatalf("iofs.New: %v", err)
	}
	defer src.Close()

	first, err := src.First()
	if err != nil {
		t.Fatalf("First: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected first version 1, got %d", first)
	}
}

func TestPaymentsInvoiceIDIsUnique(t *testing.T) {
	body, err := fs.ReadFile(sqlFS, "sql/000004_create_payments.up.sql")
	if err != nil {
		t.Fatalf("read payments migration: %v", err)
	}
	if !strings.Contains(string(body), "UNIQUE (invoice_id)") {
		t.Fatal("payments ledger must enforce invoice_id uniqueness")
	}
}

func TestPreviousVersion(t *testing.T) {
	if previousVersion(1) != -1 {
		t.Fatal("version 1 should clear to nil version")
	}
	if previousVersion(4) != 3 {
		t.Fatal("expected 3")
	}
}
