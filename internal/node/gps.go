// Package node holds the peripheral nodes attached to the router: GPS,
// gyro, vision, actuator and the operator link. Each node wraps a hardware
// provider behind a small interface so the event loops can be exercised
// without devices.
package node

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/shm"
)

// PositionProvider produces GPS fixes. Fix blocks until a fix is available
// or the context is done.
type PositionProvider interface {
	Fix(ctx context.Context) (geo.Position, error)
	Close() error
}

// defaultFixSamples is how many consecutive fixes are averaged into one
// published position, smoothing receiver jitter.
const defaultFixSamples = 5

// WithFixSamples overrides the smoothing sample count.
func WithFixSamples(n int) func(*GPS) {
	return func(g *GPS) {
		if n > 0 {
			g.samples = n
		}
	}
}

// GPS owns the position region: it averages batches of provider fixes and
// publishes them for the navigation engine. Publishing starts only after the
// engine announces that turn calibration finished, so fixes recorded while
// the vehicle spins in place never become a turn reference.
type GPS struct {
	provider PositionProvider
	region   *shm.PositionRegion
	logger   *slog.Logger
	samples  int
}

// NewGPS creates the position region and the node around it.
func NewGPS(registry *shm.Registry, provider PositionProvider, logger *slog.Logger, opts ...func(*GPS)) (*GPS, error) {
	region, err := registry.CreatePosition()
	if err != nil {
		return nil, fmt.Errorf("creating position region: %w", err)
	}
	g := &GPS{provider: provider, region: region, logger: logger, samples: defaultFixSamples}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ID implements bus.Node.
func (g *GPS) ID() bus.NodeID {
	return bus.NodeGPS
}

// Run implements bus.Node.
func (g *GPS) Run(ctx context.Context, port bus.Port) error {
	defer g.provider.Close()

	armed, err := g.awaitCalibration(ctx, port)
	if !armed {
		return err
	}
	g.logger.Info("position fixes armed")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
		default:
		}

		pos, err := g.average(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("fix unavailable", slog.Any("error", err))
			continue
		}
		if err := g.region.Publish(pos, time.Second); err != nil {
			g.logger.Warn("position publish timed out", slog.Any("error", err))
			continue
		}
		port.Send(bus.Message{Type: bus.TypePosition, Dest: bus.NodeOperator, Position: pos})
	}
}

// awaitCalibration holds fixes until the engine finishes turn calibration.
// armed is false when shutdown began first.
func (g *GPS) awaitCalibration(ctx context.Context, port bus.Port) (armed bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return false, nil
			}
			if m.Type == bus.TypeCalibrationDone {
				return true, nil
			}
		}
	}
}

// average collects the configured number of fixes and returns their mean.
func (g *GPS) average(ctx context.Context) (geo.Position, error) {
	var sum geo.Position
	for i := 0; i < g.samples; i++ {
		p, err := g.provider.Fix(ctx)
		if err != nil {
			return geo.Position{}, err
		}
		sum.Latitude += p.Latitude
		sum.Longitude += p.Longitude
	}
	return geo.Position{
		Latitude:  sum.Latitude / float64(g.samples),
		Longitude: sum.Longitude / float64(g.samples),
	}, nil
}

// NMEAReceiver reads GGA and RMC sentences from a serial GPS receiver.
type NMEAReceiver struct {
	port serial.Port
	r    *bufio.Reader
}

// OpenNMEA opens the receiver's serial port.
func OpenNMEA(device string, baud int) (*NMEAReceiver, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("opening gps port %s: %w", device, err)
	}
	return &NMEAReceiver{port: p, r: bufio.NewReader(p)}, nil
}

// Fix reads sentences until one carries a position. The underlying read does
// not observe ctx; Close unblocks it.
func (n *NMEAReceiver) Fix(ctx context.Context) (geo.Position, error) {
	for {
		if err := ctx.Err(); err != nil {
			return geo.Position{}, err
		}
		line, err := n.r.ReadString('\n')
		if err != nil {
			return geo.Position{}, fmt.Errorf("reading gps: %w", err)
		}
		pos, ok, err := ParseSentence(strings.TrimSpace(line))
		if err != nil || !ok {
			continue
		}
		return pos, nil
	}
}

// Close closes the serial port.
func (n *NMEAReceiver) Close() error {
	return n.port.Close()
}

// ParseSentence extracts a position from a GGA or RMC sentence. ok is false
// for sentences that carry no position.
func ParseSentence(line string) (pos geo.Position, ok bool, err error) {
	fields := strings.Split(line, ",")

	// Latitude field index differs between the two sentence types.
	var latIdx int
	switch {
	case strings.HasPrefix(line, "$GPGGA"), strings.HasPrefix(line, "$GNGGA"):
		latIdx = 2
	case strings.HasPrefix(line, "$GPRMC"), strings.HasPrefix(line, "$GNRMC"):
		latIdx = 3
	default:
		return geo.Position{}, false, nil
	}
	if len(fields) < latIdx+4 {
		return geo.Position{}, false, fmt.Errorf("short sentence: %q", line)
	}

	lat, err := parseCoord(fields[latIdx], fields[latIdx+1])
	if err != nil {
		return geo.Position{}, false, err
	}
	lon, err := parseCoord(fields[latIdx+2], fields[latIdx+3])
	if err != nil {
		return geo.Position{}, false, err
	}
	return geo.Position{Latitude: lat, Longitude: lon}, true, nil
}

// parseCoord converts the NMEA ddmm.mmmm form to decimal degrees. Latitude
// uses two degree digits, longitude three; S and W are negative.
func parseCoord(value, dir string) (float64, error) {
	if len(value) < 4 {
		return 0, fmt.Errorf("invalid coordinate %q", value)
	}
	degDigits := 3
	if dir == "N" || dir == "S" {
		degDigits = 2
	}
	deg, err := strconv.ParseFloat(value[:degDigits], 64)
	if err != nil {
		return 0, err
	}
	min, err := strconv.ParseFloat(value[degDigits:], 64)
	if err != nil {
		return 0, err
	}
	dec := deg + min/60
	if dir == "S" || dir == "W" {
		dec = -dec
	}
	return dec, nil
}
