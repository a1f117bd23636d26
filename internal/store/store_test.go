package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustInsertUser(t *testing.T, s *Store, name string) {
	t.Helper()
	if err := s.InsertUser(name, "hash-"+name, "10.0.0.1", time.Now()); err != nil {
		t.Fatalf("insert user %s: %v", name, err)
	}
}

func TestInsertUserDuplicate(t *testing.T) {
	s := newTestStore(t)
	mustInsertUser(t, s, "alice")

	err := s.InsertUser("alice", "other", "10.0.0.2", time.Now())
	if !errors.Is(err, ErrDuplicateUser) {
		t.Fatalf("expected ErrDuplicateUser, got %v", err)
	}
}

func TestUserPassword(t *testing.T) {
	s := newTestStore(t)
	mustInsertUser(t, s, "alice")

	hash, err := s.UserPassword("alice")
	if err != nil {
		t.Fatalf("UserPassword: %v", err)
	}
	if hash != "hash-alice" {
		t.Fatalf("unexpected hash %q", hash)
	}
	if _, err := s.UserPassword("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestModerationLifecycle(t *testing.T) {
	s := newTestStore(t)
	mustInsertUser(t, s, "alice")

	mod, err := s.UserModeration("alice")
	if err != nil {
		t.Fatalf("UserModeration: %v", err)
	}
	if mod.State != "valid" || mod.Reason != "" || !mod.Timeout.IsZero() {
		t.Fatalf("fresh user not valid: %+v", mod)
	}

	until := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := s.SetModerationByName("alice", "kick", "spam", until); err != nil {
		t.Fatalf("SetModerationByName: %v", err)
	}
	mod, err = s.UserModeration("alice")
	if err != nil {
		t.Fatal(err)
	}
	if mod.State != "kick" || mod.Reason != "spam" {
		t.Fatalf("unexpected moderation: %+v", mod)
	}
	if !mod.Timeout.Equal(until) {
		t.Fatalf("timeout round-trip: got %v, want %v", mod.Timeout, until)
	}

	if err := s.ClearModerationByName("alice"); err != nil {
		t.Fatalf("ClearModerationByName: %v", err)
	}
	mod, _ = s.UserModeration("alice")
	if mod.State != "valid" || !mod.Timeout.IsZero() {
		t.Fatalf("clear did not revert: %+v", mod)
	}

	if err := s.SetModerationByName("nobody", "ban", "", time.Time{}); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestModerationByIP(t *testing.T) {
	s := newTestStore(t)
	mustInsertUser(t, s, "alice")
	mustInsertUser(t, s, "bob")
	if err := s.InsertUser("carol", "h", "10.9.9.9", time.Now()); err != nil {
		t.Fatal(err)
	}

	n, err := s.SetModerationByIP("10.0.0.1", "ban_ip", "10.0.0.1:abuse", time.Time{})
	if err != nil {
		t.Fatalf("SetModerationByIP: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	mod, _ := s.UserModeration("carol")
	if mod.State != "valid" {
		t.Fatalf("other address affected: %+v", mod)
	}

	n, err = s.ClearModerationByIP("10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows cleared, got %d", n)
	}
}

func TestRoomsAndMembership(t *testing.T) {
	s := newTestStore(t)

	if err := s.InsertRoom("general", "public"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertRoom("general", "public"); !errors.Is(err, ErrRoomExists) {
		t.Fatalf("expected ErrRoomExists, got %v", err)
	}
	if err := s.InsertRoom("alicebob", "private"); err != nil {
		t.Fatal(err)
	}

	rooms, err := s.PublicRooms()
	if err != nil {
		t.Fatal(err)
	}
	if len(rooms) != 1 || rooms[0] != "general" {
		t.Fatalf("private room leaked into public listing: %v", rooms)
	}

	// Idempotent membership.
	if err := s.InsertMembership("alice", "general"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMembership("alice", "general"); err != nil {
		t.Fatalf("duplicate membership must not error: %v", err)
	}
	got, err := s.MembershipsFor("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "general" {
		t.Fatalf("unexpected memberships: %v", got)
	}
}

func TestPendingRoomsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	mustInsertUser(t, s, "alice")

	pending, err := s.PendingRoomsFor("alice")
	if err != nil {
		t.Fatal(err)
	}
	if pending != nil {
		t.Fatalf("expected no pending rooms, got %v", pending)
	}

	if err := s.UpdatePendingRooms("alice", []string{"dev", "ops"}); err != nil {
		t.Fatal(err)
	}
	pending, err = s.PendingRoomsFor("alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0] != "dev" || pending[1] != "ops" {
		t.Fatalf("unexpected pending rooms: %v", pending)
	}

	if _, err := s.PendingRoomsFor("nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestMessagesSince(t *testing.T) {
	s := newTestStore(t)
	now := time.Now().Truncate(time.Second)

	if err := s.InsertMessage("alice", "general", now.Add(-2*time.Hour), "old"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMessage("bob", "general", now.Add(-time.Minute), "first"); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMessage("alice", "general", now, "second"); err != nil {
		t.Fatal(err)
	}

	msgs, err := s.MessagesSince(now.Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages in window, got %d", len(msgs))
	}
	if msgs[0].Body != "first" || msgs[1].Body != "second" {
		t.Fatalf("messages not oldest-first: %+v", msgs)
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")

	s, err := New(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	mustInsertUser(t, s, "alice")
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	ok, err := s2.UserExists("alice")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("data lost across reopen")
	}
}

func TestBackup(t *testing.T) {
	dir := t.TempDir()
	s, err := New(filepath.Join(dir, "chat.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	mustInsertUser(t, s, "alice")

	dest := filepath.Join(dir, "backup.db")
	if err := s.Backup(dest); err != nil {
		t.Fatalf("Backup: %v", err)
	}

	b, err := New(dest)
	if err != nil {
		t.Fatalf("open backup: %v", err)
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
