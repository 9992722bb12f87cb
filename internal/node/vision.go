package node

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/shm"
)

// FrameSource produces classification masks, one byte per cell, row-major.
// Frame blocks until a full frame is available or the context is done.
type FrameSource interface {
	Dimensions() (width, height int)
	Frame(ctx context.Context) ([]byte, error)
	Close() error
}

// Vision owns the mask region. It announces the mask dimensions to the
// navigation node once, then overwrites the region at the source's own
// cadence. Frame requests are answered after the next completed write, so a
// reply always means fresh data is in the region.
type Vision struct {
	source FrameSource
	region *shm.MaskRegion
	logger *slog.Logger
}

// NewVision creates the mask region sized to the source and the node
// around it.
func NewVision(registry *shm.Registry, source FrameSource, logger *slog.Logger) (*Vision, error) {
	w, h := source.Dimensions()
	region, err := registry.CreateMask(w, h)
	if err != nil {
		return nil, fmt.Errorf("creating %dx%d mask region: %w", w, h, err)
	}
	return &Vision{source: source, region: region, logger: logger}, nil
}

// ID implements bus.Node.
func (v *Vision) ID() bus.NodeID {
	return bus.NodeVision
}

// Run implements bus.Node.
func (v *Vision) Run(ctx context.Context, port bus.Port) error {
	defer v.source.Close()

	w, h := v.region.Dimensions()
	port.Send(bus.Message{
		Type: bus.TypeVisionReady,
		Dest: bus.NodeNav,
		Mask: bus.MaskPayload{Width: w, Height: h},
	})

	pending := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if v.drain(port, &pending) {
			return nil
		}

		frame, err := v.source.Frame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			v.logger.Warn("frame unavailable", slog.Any("error", err))
			continue
		}
		if err := v.region.Write(frame); err != nil {
			v.logger.Error("mask write rejected", slog.Any("error", err))
			continue
		}

		// Requests that raced this frame are already satisfied by it.
		if v.drain(port, &pending) {
			return nil
		}
		if pending {
			pending = false
			port.Send(bus.Message{Type: bus.TypeVisionReady, Dest: bus.NodeNav})
		}
	}
}

// drain consumes queued control messages without blocking. It reports
// whether shutdown was requested.
func (v *Vision) drain(port bus.Port, pending *bool) bool {
	for {
		select {
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return true
			}
			if m.Type == bus.TypeVisionReady {
				*pending = true
			}
		default:
			return false
		}
	}
}

// FileFrames reads fixed-size frames from a stream path, typically a FIFO
// fed by the classifier process.
type FileFrames struct {
	f      *os.File
	width  int
	height int
	buf    []byte
}

// OpenFileFrames opens the stream and fixes the frame geometry.
func OpenFileFrames(path string, width, height int) (*FileFrames, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening frame stream: %w", err)
	}
	return &FileFrames{f: f, width: width, height: height, buf: make([]byte, width*height)}, nil
}

// Dimensions implements FrameSource.
func (s *FileFrames) Dimensions() (width, height int) {
	return s.width, s.height
}

// Frame reads the next full frame. The read does not observe ctx; Close
// unblocks it.
func (s *FileFrames) Frame(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(s.f, s.buf); err != nil {
		return nil, fmt.Errorf("reading frame: %w", err)
	}
	return s.buf, nil
}

// Close closes the stream.
func (s *FileFrames) Close() error {
	return s.f.Close()
}
