package db

import "testing"

func TestParseMigrationName(t *testing.T) {
	version, name, err := parseMigrationName("0001_init.sql")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 1 || name != "init" {
		t.Errorf("got (%d, %q), want (1, \"init\")", version, name)
	}

	if _, _, err := parseMigrationName("init.sql"); err == nil {
		t.Error("expected error for file without version prefix")
	}
	if _, _, err := parseMigrationName("abc_init.sql"); err == nil {
		t.Error("expected error for non-numeric version")
	}
}
