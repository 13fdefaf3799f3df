package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/liemnguyenthanh/chat-app-sub000/internal/backend"
	"github.com/liemnguyenthanh/chat-app-sub000/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrNotAuthor is returned when a user modifies someone else's message.
	ErrNotAuthor = errors.New("not the author")
	// ErrNotMember is returned when a user writes to a room they do not belong to.
	ErrNotMember = errors.New("not a room member")
)

// DB wraps a SQLite database connection holding the chat data of a session.
// Every write publishes a change on the attached bus.
type DB struct {
	*sql.DB
	feed *bus.Bus
	now  func() time.Time
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, now: time.Now}, nil
}

// WithFeed attaches the bus that receives the change feed.
func (db *DB) WithFeed(b *bus.Bus) *DB {
	db.feed = b
	return db
}

func (db *DB) millis() int64 { return db.now().UnixMilli() }

// publish emits a row change as "change.<resource>.<op>".
func (db *DB) publish(resource backend.Resource, op backend.Op, roomID, userID string, record, old any) {
	if db.feed == nil {
		return
	}
	c := backend.Change{
		Op:       op,
		Resource: resource,
		RoomID:   roomID,
		UserID:   userID,
		At:       db.now().UTC(),
	}
	if record != nil {
		c.Record, _ = json.Marshal(record)
	}
	if old != nil {
		c.Old, _ = json.Marshal(old)
	}
	db.feed.Publish(bus.Event{
		Kind:      bus.ChangeKind(string(resource), string(op)),
		Timestamp: c.At,
		Payload:   c,
	})
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
