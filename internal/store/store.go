// Package store provides the persistence gateway backed by an embedded
// SQLite database. It is the single interface through which the rest of the
// server touches the relational store; callers never assemble SQL.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors returned for lookup misses and constraint violations.
var (
	ErrUserNotFound  = errors.New("user not found")
	ErrDuplicateUser = errors.New("username already exists")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRoomExists    = errors.New("room already exists")
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — user accounts with moderation columns
	`CREATE TABLE IF NOT EXISTS users (
		name          TEXT PRIMARY KEY,
		password      TEXT NOT NULL,
		ip            TEXT NOT NULL DEFAULT '',
		state         TEXT NOT NULL DEFAULT 'valid',
		reason        TEXT NOT NULL DEFAULT '',
		timeout       INTEGER NOT NULL DEFAULT 0,
		pending_rooms TEXT NOT NULL DEFAULT '',
		date_creation INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — rooms
	`CREATE TABLE IF NOT EXISTS rooms (
		name TEXT PRIMARY KEY,
		type TEXT NOT NULL DEFAULT 'public'
	)`,
	// v3 — room membership
	`CREATE TABLE IF NOT EXISTS belong (
		user TEXT NOT NULL,
		room TEXT NOT NULL,
		PRIMARY KEY (user, room)
	)`,
	// v4 — message history
	`CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user         TEXT NOT NULL,
		room         TEXT NOT NULL,
		date_message INTEGER NOT NULL,
		body         TEXT NOT NULL
	)`,
	// v5 — moderation is applied by last-seen address
	`CREATE INDEX IF NOT EXISTS idx_users_ip ON users(ip)`,
	// v6 — history is queried by time window
	`CREATE INDEX IF NOT EXISTS idx_messages_date ON messages(date_message)`,
}

// Store wraps a SQLite database and exposes the query vocabulary of the
// chat core.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any pending
// migrations. Use ":memory:" for ephemeral in-process storage (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// An in-memory database exists per connection; the pool must not open a
	// second one. On-disk databases allow read concurrency but serialise
	// writes.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(4)
		db.SetMaxIdleConns(2)

		// WAL for concurrent readers; busy timeout to avoid SQLITE_BUSY.
		if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
			slog.Warn("store: WAL mode", "err", err)
		}
		if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
			slog.Warn("store: busy_timeout", "err", err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the schema_migrations table (if absent) and applies any
// migrations whose version number exceeds the current maximum.
func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		slog.Debug("store: applied migration", "version", v)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Users
// ---------------------------------------------------------------------------

// UserRow is the name + last-seen address pair listed by the operator
// console.
type UserRow struct {
	Name string
	IP   string
}

// Moderation is the per-user moderation state triple.
type Moderation struct {
	State   string
	Reason  string
	Timeout time.Time // zero when unset
}

// InsertUser creates a new user row. Returns ErrDuplicateUser when the name
// is already taken; the users.name primary key is what arbitrates two
// concurrent signups.
func (s *Store) InsertUser(name, passwordHash, ip string, creation time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO users(name, password, ip, date_creation) VALUES(?, ?, ?, ?)`,
		name, passwordHash, ip, creation.Unix(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateUser
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserExists reports whether a user row exists for name.
func (s *Store) UserExists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM users WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query user: %w", err)
	}
	return true, nil
}

// UserPassword returns the stored password hash for name.
// Returns ErrUserNotFound when no such user exists.
func (s *Store) UserPassword(name string) (string, error) {
	var hash string
	err := s.db.QueryRow(`SELECT password FROM users WHERE name = ?`, name).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query password: %w", err)
	}
	return hash, nil
}

// UserModeration returns the moderation triple (state, reason, timeout) for
// name. Returns ErrUserNotFound when no such user exists.
func (s *Store) UserModeration(name string) (Moderation, error) {
	var (
		m       Moderation
		timeout int64
	)
	err := s.db.QueryRow(
		`SELECT state, reason, timeout FROM users WHERE name = ?`, name,
	).Scan(&m.State, &m.Reason, &timeout)
	if errors.Is(err, sql.ErrNoRows) {
		return Moderation{}, ErrUserNotFound
	}
	if err != nil {
		return Moderation{}, fmt.Errorf("query moderation: %w", err)
	}
	if timeout != 0 {
		m.Timeout = time.Unix(timeout, 0)
	}
	return m, nil
}

// UpdateUserIP records the last-seen address for name.
func (s *Store) UpdateUserIP(name, ip string) error {
	_, err := s.db.Exec(`UPDATE users SET ip = ? WHERE name = ?`, ip, name)
	if err != nil {
		return fmt.Errorf("update ip: %w", err)
	}
	return nil
}

// SetModerationByName updates the moderation triple for one user. Pass the
// zero time for states that carry no expiry (ban). Returns ErrUserNotFound
// when no row was updated.
func (s *Store) SetModerationByName(name, state, reason string, timeout time.Time) error {
	var ts int64
	if !timeout.IsZero() {
		ts = timeout.Unix()
	}
	res, err := s.db.Exec(
		`UPDATE users SET state = ?, reason = ?, timeout = ? WHERE name = ?`,
		state, reason, ts, name,
	)
	if err != nil {
		return fmt.Errorf("update moderation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetModerationByIP updates the moderation triple for every user whose
// last-seen address is ip. Returns the number of rows updated.
func (s *Store) SetModerationByIP(ip, state, reason string, timeout time.Time) (int64, error) {
	var ts int64
	if !timeout.IsZero() {
		ts = timeout.Unix()
	}
	res, err := s.db.Exec(
		`UPDATE users SET state = ?, reason = ?, timeout = ? WHERE ip = ?`,
		state, reason, ts, ip,
	)
	if err != nil {
		return 0, fmt.Errorf("update moderation by ip: %w", err)
	}
	return res.RowsAffected()
}

// ClearModerationByName reverts one user to the valid state, clearing
// reason and timeout. Returns ErrUserNotFound when no row was updated.
func (s *Store) ClearModerationByName(name string) error {
	res, err := s.db.Exec(
		`UPDATE users SET state = 'valid', reason = '', timeout = 0 WHERE name = ?`, name,
	)
	if err != nil {
		return fmt.Errorf("clear moderation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// ClearModerationByIP reverts every user at ip to the valid state.
// Returns the number of rows updated.
func (s *Store) ClearModerationByIP(ip string) (int64, error) {
	res, err := s.db.Exec(
		`UPDATE users SET state = 'valid', reason = '', timeout = 0 WHERE ip = ?`, ip,
	)
	if err != nil {
		return 0, fmt.Errorf("clear moderation by ip: %w", err)
	}
	return res.RowsAffected()
}

// Users returns every account's name and last-seen address, ordered by name.
func (s *Store) Users() ([]UserRow, error) {
	rows, err := s.db.Query(`SELECT name, ip FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var users []UserRow
	for rows.Next() {
		var u UserRow
		if err := rows.Scan(&u.Name, &u.IP); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---------------------------------------------------------------------------
// Rooms and membership
// ---------------------------------------------------------------------------

// PublicRooms returns the names of all public rooms, ordered by name.
// Private two-party rooms are not discoverable.
func (s *Store) PublicRooms() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM rooms WHERE type = 'public' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query rooms: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// RoomExists reports whether a room row exists for name.
func (s *Store) RoomExists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM rooms WHERE name = ?`, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query room: %w", err)
	}
	return true, nil
}

// InsertRoom creates a room of the given type ("public" or "private").
// Returns ErrRoomExists when the name is already taken.
func (s *Store) InsertRoom(name, typ string) error {
	_, err := s.db.Exec(`INSERT INTO rooms(name, type) VALUES(?, ?)`, name, typ)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrRoomExists
		}
		return fmt.Errorf("insert room: %w", err)
	}
	return nil
}

// InsertMembership records that user belongs to room. Idempotent: inserting
// an existing membership is not an error.
func (s *Store) InsertMembership(user, room string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO belong(user, room) VALUES(?, ?)`, user, room)
	if err != nil {
		return fmt.Errorf("insert membership: %w", err)
	}
	return nil
}

// MembershipsFor returns the rooms user belongs to, ordered by name.
func (s *Store) MembershipsFor(user string) ([]string, error) {
	rows, err := s.db.Query(`SELECT room FROM belong WHERE user = ? ORDER BY room`, user)
	if err != nil {
		return nil, fmt.Errorf("query memberships: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// PendingRoomsFor returns the rooms user has requested but not been granted,
// decoded from the comma-joined column.
func (s *Store) PendingRoomsFor(user string) ([]string, error) {
	var csv string
	err := s.db.QueryRow(`SELECT pending_rooms FROM users WHERE name = ?`, user).Scan(&csv)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query pending rooms: %w", err)
	}
	if csv == "" {
		return nil, nil
	}
	return strings.Split(csv, ","), nil
}

// UpdatePendingRooms overwrites the pending-room list for user.
func (s *Store) UpdatePendingRooms(user string, rooms []string) error {
	_, err := s.db.Exec(
		`UPDATE users SET pending_rooms = ? WHERE name = ?`,
		strings.Join(rooms, ","), user,
	)
	if err != nil {
		return fmt.Errorf("update pending rooms: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Message history
// ---------------------------------------------------------------------------

// MessageRow is one persisted chat message.
type MessageRow struct {
	User string
	Room string
	Date time.Time
	Body string
}

// InsertMessage appends one message to the history.
func (s *Store) InsertMessage(user, room string, when time.Time, body string) error {
	_, err := s.db.Exec(
		`INSERT INTO messages(user, room, date_message, body) VALUES(?, ?, ?, ?)`,
		user, room, when.Unix(), body,
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessagesSince returns all messages at or after the given instant, oldest
// first.
func (s *Store) MessagesSince(since time.Time) ([]MessageRow, error) {
	rows, err := s.db.Query(
		`SELECT user, room, date_message, body FROM messages
		 WHERE date_message >= ? ORDER BY date_message ASC, id ASC`,
		since.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var msgs []MessageRow
	for rows.Next() {
		var (
			m  MessageRow
			ts int64
		)
		if err := rows.Scan(&m.User, &m.Room, &ts, &m.Body); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Date = time.Unix(ts, 0)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// Backup creates a copy of the database at the given path using SQLite's
// VACUUM INTO.
func (s *Store) Backup(destPath string) error {
	_, err := s.db.Exec(`VACUUM INTO ?`, destPath)
	return err
}
