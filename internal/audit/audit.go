// Package audit keeps a best-effort, SQLite-backed trail of every packet the
// routing core processes. It exists for operators: the routing core never
// blocks on it, never reads it back, and loses nothing if it falls behind —
// entries that cannot be buffered are counted and dropped.
//
// Migration design mirrors internal conventions elsewhere: SQL statements are
// kept in the [migrations] slice as ordered strings, each applied exactly
// once, with the applied version tracked in schema_migrations. To add a
// migration, append a new string — never edit or reorder existing entries.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"relay/internal/protocol"
)

var migrations = []string{
	// v1 — packet audit trail
	`CREATE TABLE IF NOT EXISTS packets (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		time_us     INTEGER NOT NULL,
		sender      TEXT NOT NULL,
		destination TEXT NOT NULL,
		packet_type TEXT NOT NULL,
		message_id  TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v2 — index for the operator query path
	`CREATE INDEX IF NOT EXISTS idx_packets_created ON packets(created_at)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// maxEntries bounds the table; the oldest rows beyond it are purged on
// insert, matching the cap on other operational logs in this codebase.
const maxEntries = 10000

// bufferSize is how many entries can be pending insert before Record starts
// dropping. Sized for bursts, not sustained overload.
const bufferSize = 1024

// Entry is one row of the packet audit trail.
type Entry struct {
	ID          int64
	TimeMicros  uint64
	Sender      string
	Destination string
	PacketType  string
	MessageID   string
	CreatedAt   int64
}

// Log is the audit trail. Open it once at startup, hand Record to the
// routing core (routing.WithAudit), and Close it after the core has stopped.
type Log struct {
	db      *sql.DB
	entries chan Entry
	quit    chan struct{}
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
	log     *slog.Logger
}

// Open opens (or creates) the audit database at path, applies pending
// migrations, and starts the background writer. Use ":memory:" in tests.
func Open(path string, log *slog.Logger) (*Log, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Warn("audit: busy_timeout", "err", err)
	}

	l := &Log{
		db:      db,
		entries: make(chan Entry, bufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log,
	}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}
	go l.drain()
	return l, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := l.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := l.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// Record buffers one processed packet for insertion. Never blocks: when the
// buffer is full or the log is closed, the entry is dropped and counted.
// Safe to pass directly as a routing.AuditFunc.
func (l *Log) Record(pkt protocol.SPacket) {
	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}
	e := Entry{
		TimeMicros:  uint64(pkt.Time),
		Sender:      string(pkt.Sender),
		Destination: pkt.Destination.String(),
		PacketType:  packetType(pkt.Packet),
		MessageID:   messageID(pkt.Packet),
	}
	select {
	case l.entries <- e:
	default:
		l.dropped.Add(1)
	}
}

// Dropped returns how many entries were discarded because the buffer was
// full or the log was closed.
func (l *Log) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *Log) drain() {
	defer close(l.done)
	for {
		select {
		case e := <-l.entries:
			l.insert(e)
		case <-l.quit:
			// Flush whatever is still buffered, then stop.
			for {
				select {
				case e := <-l.entries:
					l.insert(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Log) insert(e Entry) {
	_, err := l.db.Exec(
		`INSERT INTO packets(time_us, sender, destination, packet_type, message_id) VALUES(?,?,?,?,?)`,
		int64(e.TimeMicros), e.Sender, e.Destination, e.PacketType, e.MessageID,
	)
	if err != nil {
		l.log.Warn("audit: insert", "err", err)
		return
	}
	if _, err := l.db.Exec(
		`DELETE FROM packets WHERE id NOT IN (SELECT id FROM packets ORDER BY id DESC LIMIT ?)`, maxEntries,
	); err != nil {
		l.log.Warn("audit: purge", "err", err)
	}
}

// Recent returns up to limit entries, most recent first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(
		`SELECT id, time_us, sender, destination, packet_type, message_id, created_at
		 FROM packets ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var timeUS int64
		if err := rows.Scan(&e.ID, &timeUS, &e.Sender, &e.Destination, &e.PacketType, &e.MessageID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.TimeMicros = uint64(timeUS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of entries currently stored.
func (l *Log) Count() (int, error) {
	var n int
	err := l.db.QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&n)
	return n, err
}

// Close stops accepting entries, flushes the buffer, and closes the
// database. Call only after the routing core has stopped.
func (l *Log) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	close(l.quit)
	<-l.done
	return l.db.Close()
}

func packetType(p protocol.Packet) string {
	switch p.(type) {
	case protocol.NewMessage:
		return "NewMessage"
	case protocol.StartDraft:
		return "StartDraft"
	case protocol.NewDraft:
		return "NewDraft"
	case protocol.Edit:
		return "Edit"
	case protocol.EndDraft:
		return "EndDraft"
	case protocol.DiscardDraft:
		return "DiscardDraft"
	default:
		return "Unknown"
	}
}

func messageID(p protocol.Packet) string {
	switch v := p.(type) {
	case protocol.NewMessage:
		return v.UUID.String()
	case protocol.NewDraft:
		return v.UUID.String()
	case protocol.Edit:
		return v.UUID.String()
	case protocol.EndDraft:
		return v.UUID.String()
	case protocol.DiscardDraft:
		return v.UUID.String()
	default:
		return ""
	}
}
