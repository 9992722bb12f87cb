package shm

import (
	"errors"
	"testing"
	"time"

	"github.com/openrover/roverd/internal/geo"
)

func TestRegistry_CreateOpen(t *testing.T) {
	r := NewRegistry()

	if _, err := r.OpenAngle(); !errors.Is(err, ErrUnknownRegion) {
		t.Errorf("OpenAngle before create: err = %v, want ErrUnknownRegion", err)
	}

	if _, err := r.CreateAngle(); err != nil {
		t.Fatalf("CreateAngle failed: %v", err)
	}
	if _, err := r.CreateAngle(); !errors.Is(err, ErrRegionExists) {
		t.Errorf("second CreateAngle: err = %v, want ErrRegionExists", err)
	}
	if _, err := r.OpenAngle(); err != nil {
		t.Errorf("OpenAngle after create failed: %v", err)
	}

	if _, err := r.CreateMask(0, 10); err == nil {
		t.Error("CreateMask with zero width should fail")
	}
	if _, err := r.CreateMask(64, 48); err != nil {
		t.Fatalf("CreateMask failed: %v", err)
	}
	if _, err := r.OpenMask(32, 48); err == nil {
		t.Error("OpenMask with wrong dimensions should fail")
	}
	if _, err := r.OpenMask(64, 48); err != nil {
		t.Errorf("OpenMask failed: %v", err)
	}
}

func TestAngleRegion_PublishConsume(t *testing.T) {
	a := &AngleRegion{}

	a.Publish(14.5)
	v, err := a.Consume(time.Second)
	if err != nil {
		t.Fatalf("Consume after Publish failed: %v", err)
	}
	if v != 14.5 {
		t.Errorf("Consume = %f, want 14.5", v)
	}

	// A second consume without a publish must time out.
	if _, err = a.Consume(10 * time.Millisecond); !errors.Is(err, ErrStale) {
		t.Errorf("second Consume: err = %v, want ErrStale", err)
	}
}

func TestAngleRegion_ConsumeWaitsForWriter(t *testing.T) {
	a := &AngleRegion{}

	go func() {
		time.Sleep(20 * time.Millisecond)
		a.Publish(-32.25)
	}()

	v, err := a.Consume(time.Second)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}
	if v != -32.25 {
		t.Errorf("Consume = %f, want -32.25", v)
	}
}

func TestAngleRegion_Clear(t *testing.T) {
	a := &AngleRegion{}
	a.Publish(90)
	a.Clear()
	if a.Ready() {
		t.Error("region still ready after Clear")
	}
}

func TestPositionRegion_TryConsume(t *testing.T) {
	p := &PositionRegion{}

	if _, ok := p.TryConsume(); ok {
		t.Error("TryConsume on empty region reported data")
	}

	want := geo.Position{Latitude: 43.038902, Longitude: -87.906471}
	if err := p.Publish(want, time.Second); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got, ok := p.TryConsume()
	if !ok {
		t.Fatal("TryConsume reported no data after Publish")
	}
	if got != want {
		t.Errorf("TryConsume = %v, want %v", got, want)
	}

	// Exactly-once: a second consume reports no data.
	if _, ok = p.TryConsume(); ok {
		t.Error("second TryConsume reported data")
	}
}

func TestMaskRegion_Write(t *testing.T) {
	r := NewRegistry()
	m, err := r.CreateMask(4, 2)
	if err != nil {
		t.Fatalf("CreateMask failed: %v", err)
	}

	if err = m.Write([]byte{1, 2, 3}); err == nil {
		t.Error("Write with short frame should fail")
	}

	frame := []byte{0, 1, 2, 3, 4, 5, 6, 7}
	if err = m.Write(frame); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got := m.Bytes()
	for i := range frame {
		if got[i] != frame[i] {
			t.Fatalf("Bytes()[%d] = %d, want %d", i, got[i], frame[i])
		}
	}

	if w, h := m.Dimensions(); w != 4 || h != 2 {
		t.Errorf("Dimensions = %dx%d, want 4x2", w, h)
	}
}
