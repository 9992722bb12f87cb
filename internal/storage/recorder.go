package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
)

const (
	recorderBuffer  = 256
	recorderTimeout = 5 * time.Second
)

// Recorder decouples the control loops from database latency: events are
// queued and written by a single background goroutine, and dropped with a
// warning when the queue is full. It satisfies the router's mission log and
// the engine's decision log.
type Recorder struct {
	store     Store
	sessionID int64
	logger    *slog.Logger

	events chan func(context.Context) error

	closeOnce sync.Once
	done      chan struct{}
}

// NewRecorder starts the write worker for the given session.
func NewRecorder(store Store, sessionID int64, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		events:    make(chan func(context.Context) error, recorderBuffer),
		done:      make(chan struct{}),
	}
	go r.run()
	return r
}

func (r *Recorder) run() {
	defer close(r.done)
	for write := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), recorderTimeout)
		if err := write(ctx); err != nil {
			r.logger.Warn("event not persisted", slog.Any("error", err))
		}
		cancel()
	}
}

func (r *Recorder) enqueue(write func(context.Context) error) {
	select {
	case r.events <- write:
	default:
		r.logger.Warn("event log queue full, dropping event")
	}
}

// MissionEvent queues a mission queue mutation.
func (r *Recorder) MissionEvent(op string, id uint64, target geo.Position) {
	r.enqueue(func(ctx context.Context) error {
		return r.store.RecordMissionEvent(ctx, r.sessionID, op, id, target)
	})
}

// DriveDecision queues a drive decision.
func (r *Recorder) DriveDecision(cmd drive.Command, repeat int, left, right, center float64) {
	r.enqueue(func(ctx context.Context) error {
		return r.store.RecordDrive(ctx, r.sessionID, cmd, repeat, left, right, center)
	})
}

// Close flushes queued events and stops the worker.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		close(r.events)
	})
	<-r.done
	return nil
}
