package node

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/shm"
)

// frameFeed serves frames pushed by the test.
type frameFeed struct {
	width, height int
	frames        chan []byte
}

func (f *frameFeed) Dimensions() (int, int) { return f.width, f.height }

func (f *frameFeed) Frame(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case frame := <-f.frames:
		return frame, nil
	}
}

func (f *frameFeed) Close() error { return nil }

func TestVisionSetupAndFrameHandshake(t *testing.T) {
	feed := &frameFeed{width: 4, height: 4, frames: make(chan []byte, 4)}
	reg := shm.NewRegistry()

	v, err := NewVision(reg, feed, discardLogger())
	if err != nil {
		t.Fatal(err)
	}

	region, err := reg.OpenMask(4, 4)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toNode := make(chan bus.Message, 8)
	fromNode := make(chan bus.Message, 8)
	done := make(chan error, 1)
	go func() {
		done <- v.Run(ctx, bus.NewPort(bus.NodeVision, toNode, fromNode))
	}()

	// The dimension announcement comes first.
	select {
	case m := <-fromNode:
		if m.Type != bus.TypeVisionReady || m.Dest != bus.NodeNav {
			t.Fatalf("first message = %s to %s", m.Type, m.Dest)
		}
		if m.Mask.Width != 4 || m.Mask.Height != 4 {
			t.Fatalf("announced %dx%d, want 4x4", m.Mask.Width, m.Mask.Height)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no setup announcement")
	}

	frame := bytes.Repeat([]byte{7}, 16)
	toNode <- bus.Message{Type: bus.TypeVisionReady, Source: bus.NodeNav}
	feed.frames <- frame

	// The frame-ready reply must not arrive before the region holds the
	// requested frame.
	select {
	case m := <-fromNode:
		if m.Type != bus.TypeVisionReady || m.Mask.Width != 0 {
			t.Fatalf("reply = %s %+v", m.Type, m.Mask)
		}
		if !bytes.Equal(region.Bytes(), frame) {
			t.Error("reply sent before the frame was written")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame-ready reply")
	}

	// Frames keep flowing without requests; no extra replies appear.
	feed.frames <- bytes.Repeat([]byte{9}, 16)
	select {
	case m := <-fromNode:
		t.Fatalf("unsolicited %s message", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
	if got := region.Bytes()[0]; got != 9 {
		t.Errorf("region byte = %d, want continuously overwritten (9)", got)
	}

	toNode <- bus.Message{Type: bus.TypeKill}
	cancel() // unblock a pending Frame read
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
