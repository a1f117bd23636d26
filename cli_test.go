package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"parloir/internal/store"
)

func TestRunCLIUnhandled(t *testing.T) {
	if RunCLI(nil, "ignored.db") {
		t.Fatal("no args must not be handled")
	}
	if RunCLI([]string{"frobnicate"}, "ignored.db") {
		t.Fatal("unknown subcommand must not be handled")
	}
}

func TestRunCLIVersion(t *testing.T) {
	if !RunCLI([]string{"version"}, "ignored.db") {
		t.Fatal("version must be handled")
	}
}

func TestRunCLIBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "chat.db")

	st, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.InsertUser("alice", "hash", "10.0.0.1", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(dir, "backup.db")
	if !RunCLI([]string{"backup", dest}, dbPath) {
		t.Fatal("backup must be handled")
	}
	if _, err := os.Stat(dest); err != nil {
		t.Fatalf("backup file missing: %v", err)
	}

	b, err := store.New(dest)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	ok, err := b.UserExists("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("backup missing data")
	}
}

func TestRunCLIStatus(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "chat.db")
	if !RunCLI([]string{"status"}, dbPath) {
		t.Fatal("status must be handled")
	}
}
