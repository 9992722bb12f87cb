package node

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/drive"
)

// MotorBus is the physical transport to the motor unit.
type MotorBus interface {
	Write(drive.Frame) error
	Close() error
}

// defaultPulseInterval paces frames onto the motor bus. One queued pulse is
// written per tick.
const defaultPulseInterval = 50 * time.Millisecond

// WithPulseInterval overrides the pacing interval.
func WithPulseInterval(d time.Duration) func(*Actuator) {
	return func(a *Actuator) {
		if d > 0 {
			a.interval = d
		}
	}
}

// Actuator drains drive commands onto the motor bus at a fixed pace. A
// command with the flush bit set discards everything still queued before it
// is enqueued, so an emergency stop or direction change does not wait behind
// stale pulses.
type Actuator struct {
	mbus     MotorBus
	logger   *slog.Logger
	interval time.Duration
	queue    []drive.Command
}

// NewActuator builds the node over the given transport.
func NewActuator(mbus MotorBus, logger *slog.Logger, opts ...func(*Actuator)) *Actuator {
	a := &Actuator{mbus: mbus, logger: logger, interval: defaultPulseInterval}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ID implements bus.Node.
func (a *Actuator) ID() bus.NodeID {
	return bus.NodeActuator
}

// Run implements bus.Node.
func (a *Actuator) Run(ctx context.Context, port bus.Port) error {
	defer a.mbus.Close()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
			if m.Type != bus.TypeDrive {
				a.logger.Debug("unhandled message", slog.String("type", m.Type.String()))
				continue
			}
			a.enqueue(m.Drive)
		case <-ticker.C:
			a.pump()
		}
	}
}

func (a *Actuator) enqueue(p bus.DrivePayload) {
	if p.Command.Flush() && len(a.queue) > 0 {
		a.logger.Debug("queue flushed", slog.Int("dropped", len(a.queue)))
		a.queue = a.queue[:0]
	}
	repeat := p.Repeat
	if repeat < 1 {
		repeat = 1
	}
	for i := 0; i < repeat; i++ {
		a.queue = append(a.queue, p.Command)
	}
}

// FileMotor writes frames to a device path in the cansend text form,
// "SID#DATA". The CAN adapter daemon on the other end owns the wire.
type FileMotor struct {
	f *os.File
}

// OpenFileMotor opens the transport path for writing.
func OpenFileMotor(path string) (*FileMotor, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		return nil, fmt.Errorf("opening motor device: %w", err)
	}
	return &FileMotor{f: f}, nil
}

// Write implements MotorBus.
func (m *FileMotor) Write(frame drive.Frame) error {
	if _, err := fmt.Fprintf(m.f, "%03X#%X\n", frame.SID, frame.Data[:frame.Len]); err != nil {
		return fmt.Errorf("writing motor frame: %w", err)
	}
	return nil
}

// Close closes the device.
func (m *FileMotor) Close() error {
	return m.f.Close()
}

func (a *Actuator) pump() {
	if len(a.queue) == 0 {
		return
	}
	cmd := a.queue[0]
	a.queue = a.queue[1:]
	if err := a.mbus.Write(drive.NewFrame(cmd)); err != nil {
		a.logger.Error("motor write failed",
			slog.String("command", cmd.String()), slog.Any("error", err))
	}
}
