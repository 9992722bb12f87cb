package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
)

func testStore(t *testing.T) *SqliteStore {
	t.Helper()
	s := NewSqliteStore(filepath.Join(t.TempDir(), "roverd.db"))
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("Close() = %v", err)
		}
	})
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	cfg := map[string]any{"arrive_distance": 3.5}
	id, err := s.CreateSession(ctx, "field-test", cfg)
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if id == 0 {
		t.Fatal("CreateSession() returned zero id")
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Sessions() returned %d rows, want 1", len(sessions))
	}
	got := sessions[0]
	if got.ID != id || got.Name != "field-test" {
		t.Errorf("session = %+v", got)
	}
	if got.Config == nil || *got.Config != `{"arrive_distance":3.5}` {
		t.Errorf("config = %v", got.Config)
	}
}

func TestMissionEventLog(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.CreateSession(ctx, "run", nil)
	if err != nil {
		t.Fatal(err)
	}

	target := geo.Position{Latitude: 40.1, Longitude: -83.2}
	if err := s.RecordMissionEvent(ctx, id, "created", 1, target); err != nil {
		t.Fatalf("RecordMissionEvent() error: %v", err)
	}
	if err := s.RecordMissionEvent(ctx, id, "completed", 1, target); err != nil {
		t.Fatal(err)
	}

	events, err := s.MissionEvents(ctx, id)
	if err != nil {
		t.Fatalf("MissionEvents() error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Op != "created" || events[1].Op != "completed" {
		t.Errorf("ops = %s, %s", events[0].Op, events[1].Op)
	}
	if events[0].DirectiveID != 1 || events[0].Target != target {
		t.Errorf("event = %+v", events[0])
	}
}

func TestDriveLog(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.CreateSession(ctx, "run", nil)
	if err != nil {
		t.Fatal(err)
	}

	cmd := drive.New(true, drive.CmdPush, drive.Left)
	if err := s.RecordDrive(ctx, id, cmd, 3, 1.5, 2.5, 0.5); err != nil {
		t.Fatalf("RecordDrive() error: %v", err)
	}

	records, err := s.DriveRecords(ctx, id)
	if err != nil {
		t.Fatalf("DriveRecords() error: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
	rec := records[0]
	if rec.Command != cmd || rec.Repeat != 3 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Left != 1.5 || rec.Right != 2.5 || rec.Center != 0.5 {
		t.Errorf("scores = %v/%v/%v", rec.Left, rec.Right, rec.Center)
	}
}

func TestRecorderWritesAsynchronously(t *testing.T) {
	ctx := context.Background()
	s := testStore(t)

	id, err := s.CreateSession(ctx, "run", nil)
	if err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rec := NewRecorder(s, id, logger)
	rec.MissionEvent("created", 4, geo.Position{Latitude: 1, Longitude: 2})
	rec.DriveDecision(drive.New(false, drive.CmdPush, drive.Forward), 1, 3, 4, 5)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	events, err := s.MissionEvents(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].DirectiveID != 4 {
		t.Errorf("events = %+v", events)
	}

	records, err := s.DriveRecords(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].Center != 5 {
		t.Errorf("records = %+v", records)
	}
}
