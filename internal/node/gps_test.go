package node

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/shm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseCoord(t *testing.T) {
	cases := []struct {
		value, dir string
		want       float64
	}{
		{"2101.7102", "N", 21.0285033},
		{"2101.7102", "S", -21.0285033},
		{"10548.2880", "E", 105.80480},
		{"08300.0000", "W", -83.0},
	}
	for _, tc := range cases {
		got, err := parseCoord(tc.value, tc.dir)
		if err != nil {
			t.Fatalf("parseCoord(%q, %q) error: %v", tc.value, tc.dir, err)
		}
		if math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("parseCoord(%q, %q) = %v, want %v", tc.value, tc.dir, got, tc.want)
		}
	}

	if _, err := parseCoord("xx", "N"); err == nil {
		t.Error("parseCoord accepted garbage")
	}
}

func TestParseSentence(t *testing.T) {
	gga := "$GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,*47"
	pos, ok, err := ParseSentence(gga)
	if err != nil || !ok {
		t.Fatalf("ParseSentence(GGA) = ok=%v err=%v", ok, err)
	}
	if math.Abs(pos.Latitude-48.1173) > 1e-4 || math.Abs(pos.Longitude-11.5166) > 1e-4 {
		t.Errorf("GGA position = %+v", pos)
	}

	// RMC carries the latitude one field later.
	rmc := "$GNRMC,123519,A,4807.038,N,01131.000,E,022.4,084.4,230394,003.1,W*6A"
	rpos, ok, err := ParseSentence(rmc)
	if err != nil || !ok {
		t.Fatalf("ParseSentence(RMC) = ok=%v err=%v", ok, err)
	}
	if rpos != pos {
		t.Errorf("RMC position %+v != GGA position %+v", rpos, pos)
	}

	if _, ok, _ := ParseSentence("$GPGSV,3,1,11,03,03,111,00*74"); ok {
		t.Error("unrelated sentence produced a position")
	}
	if _, _, err := ParseSentence("$GPGGA,123519"); err == nil {
		t.Error("truncated sentence accepted")
	}
}

// fixSeq serves a fixed list of fixes, then blocks until the context ends.
type fixSeq struct {
	fixes []geo.Position
	next  int
}

func (f *fixSeq) Fix(ctx context.Context) (geo.Position, error) {
	if f.next < len(f.fixes) {
		p := f.fixes[f.next]
		f.next++
		return p, nil
	}
	<-ctx.Done()
	return geo.Position{}, ctx.Err()
}

func (f *fixSeq) Close() error { return nil }

func TestGPSAveragesFixesAfterCalibration(t *testing.T) {
	reg := shm.NewRegistry()
	provider := &fixSeq{fixes: []geo.Position{
		{Latitude: 40.0, Longitude: -83.0},
		{Latitude: 40.2, Longitude: -83.2},
		{Latitude: 39.8, Longitude: -82.8},
	}}

	g, err := NewGPS(reg, provider, discardLogger(), WithFixSamples(3))
	if err != nil {
		t.Fatal(err)
	}

	region, err := reg.OpenPosition()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toNode := make(chan bus.Message, 8)
	fromNode := make(chan bus.Message, 8)
	done := make(chan error, 1)
	go func() {
		done <- g.Run(ctx, bus.NewPort(bus.NodeGPS, toNode, fromNode))
	}()

	// Nothing may be published before calibration finishes.
	time.Sleep(20 * time.Millisecond)
	if _, ok := region.TryConsume(); ok {
		t.Fatal("fix published before calibration finished")
	}

	toNode <- bus.Message{Type: bus.TypeCalibrationDone, Source: bus.NodeNav}

	var got geo.Position
	deadline := time.Now().Add(5 * time.Second)
	for {
		if p, ok := region.TryConsume(); ok {
			got = p
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no position published")
		}
		time.Sleep(time.Millisecond)
	}
	if math.Abs(got.Latitude-40.0) > 1e-9 || math.Abs(got.Longitude+83.0) > 1e-9 {
		t.Errorf("published %+v, want the three-fix average 40,-83", got)
	}

	// The same fix is reported to the operator.
	select {
	case m := <-fromNode:
		if m.Type != bus.TypePosition || m.Dest != bus.NodeOperator {
			t.Errorf("operator report = %s to %s", m.Type, m.Dest)
		}
	case <-time.After(5 * time.Second):
		t.Error("no operator report")
	}

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("node did not stop")
	}
}
