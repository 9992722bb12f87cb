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
	"github.com/openrover/roverd/internal/shm"
)

// RateProvider produces angular rate samples in degrees per second, positive
// for counterclockwise (left) rotation.
type RateProvider interface {
	Rate(ctx context.Context) (float64, error)
	Close() error
}

const (
	// defaultTurnWindow is how long a rotation sample integrates rate
	// readings before the total is published.
	defaultTurnWindow = 2 * time.Second

	defaultSampleInterval = 10 * time.Millisecond
)

// WithTurnWindow overrides the integration window.
func WithTurnWindow(d time.Duration) func(*Gyro) {
	return func(g *Gyro) {
		if d > 0 {
			g.window = d
		}
	}
}

// Gyro owns the angle region. Each rotation request integrates the angular
// rate over a fixed window and publishes the accumulated angle, positive for
// left turns. Requests arriving mid-sample are coalesced into the next one.
type Gyro struct {
	provider RateProvider
	region   *shm.AngleRegion
	logger   *slog.Logger
	window   time.Duration
	interval time.Duration
}

// NewGyro creates the angle region and the node around it.
func NewGyro(registry *shm.Registry, provider RateProvider, logger *slog.Logger, opts ...func(*Gyro)) (*Gyro, error) {
	region, err := registry.CreateAngle()
	if err != nil {
		return nil, fmt.Errorf("creating rotation region: %w", err)
	}
	g := &Gyro{
		provider: provider,
		region:   region,
		logger:   logger,
		window:   defaultTurnWindow,
		interval: defaultSampleInterval,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// ID implements bus.Node.
func (g *Gyro) ID() bus.NodeID {
	return bus.NodeGyro
}

// Run implements bus.Node.
func (g *Gyro) Run(ctx context.Context, port bus.Port) error {
	defer g.provider.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
			if m.Type != bus.TypeGyroRequest {
				continue
			}
			angle, err := g.integrate(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				g.logger.Warn("rotation sample failed", slog.Any("error", err))
				continue
			}
			g.region.Publish(angle)
			g.logger.Debug("rotation published", slog.Float64("degrees", angle))
		}
	}
}

// integrate accumulates rate readings over the turn window.
func (g *Gyro) integrate(ctx context.Context) (float64, error) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	deadline := time.After(g.window)

	var total float64
	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-deadline:
			return total, nil
		case now := <-ticker.C:
			rate, err := g.provider.Rate(ctx)
			if err != nil {
				return 0, err
			}
			total += rate * now.Sub(last).Seconds()
			last = now
		}
	}
}

// SerialRate reads angular rate samples from a serial IMU that streams one
// decimal value per line.
type SerialRate struct {
	port serial.Port
	r    *bufio.Reader
}

// OpenSerialRate opens the IMU serial port.
func OpenSerialRate(device string, baud int) (*SerialRate, error) {
	p, err := serial.Open(device, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, fmt.Errorf("opening gyro port %s: %w", device, err)
	}
	return &SerialRate{port: p, r: bufio.NewReader(p)}, nil
}

// Rate reads the next sample. The underlying read does not observe ctx;
// Close unblocks it.
func (s *SerialRate) Rate(ctx context.Context) (float64, error) {
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		line, err := s.r.ReadString('\n')
		if err != nil {
			return 0, fmt.Errorf("reading gyro: %w", err)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
		if err != nil {
			continue
		}
		return v, nil
	}
}

// Close closes the serial port.
func (s *SerialRate) Close() error {
	return s.port.Close()
}
