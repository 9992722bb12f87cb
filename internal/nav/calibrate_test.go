package nav

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/shm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTable(t *testing.T, angles ...float64) *Calibration {
	t.Helper()
	return &Calibration{angles: append([]float64{0}, angles...)}
}

func TestPulsesForNearestNeighbor(t *testing.T) {
	c := testTable(t, 10, 19, 28, 37, 46)

	cases := []struct {
		angle float64
		want  int
	}{
		{5, 1},
		{10, 1},
		{12, 1},
		{18, 2},
		{-18, 2}, // magnitude only
		{30, 3},
		{100, 5}, // beyond the table clamps to the largest entry
		{14.5, 1},
	}
	for _, tc := range cases {
		if got := c.PulsesFor(tc.angle); got != tc.want {
			t.Errorf("PulsesFor(%v) = %d, want %d", tc.angle, got, tc.want)
		}
	}
}

func TestPulsesForTieGoesToSmallerCount(t *testing.T) {
	c := testTable(t, 10, 20)
	if got := c.PulsesFor(15); got != 1 {
		t.Errorf("PulsesFor(15) = %d, want 1 on a tie", got)
	}
}

func TestCalibrationUnitAndClamp(t *testing.T) {
	c := testTable(t, 11, 21, 33)
	if got := c.Unit(); got != 11 {
		t.Errorf("Unit() = %v, want 11", got)
	}
	if got := c.Angle(0); got != 11 {
		t.Errorf("Angle(0) = %v, want clamp to first entry", got)
	}
	if got := c.Angle(9); got != 33 {
		t.Errorf("Angle(9) = %v, want clamp to last entry", got)
	}
}

// gyroSim answers every drive command on the inbox with a rotation derived
// from the commanded pulse count.
func gyroSim(t *testing.T, inbox <-chan bus.Message, angle *shm.AngleRegion, measure func(pulses int) float64) {
	t.Helper()
	go func() {
		for m := range inbox {
			if m.Type != bus.TypeDrive {
				continue
			}
			if dir := m.Drive.Command.Dir(); dir != drive.Left {
				t.Errorf("calibration commanded direction %d, want left", dir)
			}
			angle.Publish(measure(m.Drive.Repeat))
		}
	}()
}

func TestCalibrateBuildsMonotonicTable(t *testing.T) {
	reg := shm.NewRegistry()
	angle, err := reg.CreateAngle()
	if err != nil {
		t.Fatal(err)
	}

	inbox := make(chan bus.Message, 64)
	port := bus.NewPort(bus.NodeNav, nil, inbox)
	gyroSim(t, inbox, angle, func(pulses int) float64 {
		return 22 * float64(pulses)
	})

	c, err := Calibrate(context.Background(), port, angle, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("Calibrate() error: %v", err)
	}
	close(inbox)

	// 22 degrees per pulse crosses 180 at nine pulses.
	if got := c.Len(); got != 9 {
		t.Fatalf("table length = %d, want 9", got)
	}
	if got := c.Unit(); got != 22 {
		t.Errorf("Unit() = %v, want 22", got)
	}
	for i := 2; i <= c.Len(); i++ {
		if c.Angle(i) < c.Angle(i-1) {
			t.Errorf("table regressed at %d pulses: %v < %v", i, c.Angle(i), c.Angle(i-1))
		}
	}
}

func TestCalibrateRetriesRegressedMeasurement(t *testing.T) {
	reg := shm.NewRegistry()
	angle, err := reg.CreateAngle()
	if err != nil {
		t.Fatal(err)
	}

	// The first reading for two pulses slips below the one-pulse entry and
	// must be discarded.
	slipped := false
	inbox := make(chan bus.Message, 64)
	port := bus.NewPort(bus.NodeNav, nil, inbox)
	gyroSim(t, inbox, angle, func(pulses int) float64 {
		if pulses == 2 && !slipped {
			slipped = true
			return 5
		}
		return 95 * float64(pulses)
	})

	c, err := Calibrate(context.Background(), port, angle, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("Calibrate() error: %v", err)
	}
	close(inbox)

	if !slipped {
		t.Fatal("regressed measurement never served")
	}
	if got := c.Angle(2); got != 190 {
		t.Errorf("Angle(2) = %v, want the retried measurement 190", got)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("table length = %d, want 2 (stop at 180 degrees)", got)
	}
}

func TestCalibrateFailsWithoutRotationFeedback(t *testing.T) {
	reg := shm.NewRegistry()
	angle, err := reg.CreateAngle()
	if err != nil {
		t.Fatal(err)
	}

	inbox := make(chan bus.Message, 64)
	defer close(inbox)
	go func() {
		for range inbox { // swallow commands, never answer
		}
	}()

	port := bus.NewPort(bus.NodeNav, nil, inbox)
	if _, err := Calibrate(context.Background(), port, angle, 5*time.Millisecond, discardLogger()); err == nil {
		t.Fatal("Calibrate() succeeded with no rotation source")
	}
}
