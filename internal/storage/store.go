// Package storage persists mission activity to a per-deployment sqlite
// database: sessions, mission queue events and every drive decision the
// navigation engine emits. Readers and writers use separate lazily opened
// connections so diagnostics can query a live database.
package storage

import (
	"context"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
)

// Session is one control process run.
type Session struct {
	ID        int64
	StartTime time.Time
	Name      string
	Config    *string
}

// MissionEvent is one mutation of the mission queue.
type MissionEvent struct {
	ID          int64
	SessionID   int64
	Timestamp   time.Time
	Op          string
	DirectiveID uint64
	Target      geo.Position
}

// DriveRecord is one drive decision with the scores that produced it.
type DriveRecord struct {
	ID        int64
	SessionID int64
	Timestamp time.Time
	Command   drive.Command
	Repeat    int
	Left      float64
	Right     float64
	Center    float64
}

// Store is the persistence interface. All writes are atomic; Close may be
// called more than once.
type Store interface {
	// CreateSession opens a new run and returns its identifier. config may
	// be a string, []byte or any JSON-serializable value.
	CreateSession(ctx context.Context, name string, config any) (sessionID int64, err error)

	// Sessions returns every recorded run, oldest first.
	Sessions(ctx context.Context) ([]*Session, error)

	// RecordMissionEvent appends a queue mutation to the session's log.
	RecordMissionEvent(ctx context.Context, sessionID int64, op string, directiveID uint64, target geo.Position) error

	// MissionEvents returns a session's queue mutations in order.
	MissionEvents(ctx context.Context, sessionID int64) ([]*MissionEvent, error)

	// RecordDrive appends a drive decision to the session's log.
	RecordDrive(ctx context.Context, sessionID int64, cmd drive.Command, repeat int, left, right, center float64) error

	// DriveRecords returns a session's drive decisions in order.
	DriveRecords(ctx context.Context, sessionID int64) ([]*DriveRecord, error)

	// Close releases the database connections.
	Close() error
}
