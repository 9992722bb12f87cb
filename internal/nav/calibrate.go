package nav

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/shm"
)

const (
	// maxCalibrationPulses bounds the table size. A run stops earlier once
	// the cumulative rotation reaches half a revolution.
	maxCalibrationPulses = 10

	// calibrationRetries is how many times a single table entry may be
	// re-measured before calibration fails.
	calibrationRetries = 5

	calibrationStopAngle = 180.0
)

// Calibration maps a burst of i identical turn pulses to the rotation it
// produced on this vehicle and surface, measured once at startup.
type Calibration struct {
	// angles[i] is the absolute rotation in degrees produced by i pulses.
	// Index 0 is unused.
	angles []float64
}

// Unit returns the angular resolution of a single pulse, the first table
// entry. Bearing errors below the unit are not worth correcting.
func (c *Calibration) Unit() float64 {
	return c.angles[1]
}

// Len returns the number of measured entries.
func (c *Calibration) Len() int {
	return len(c.angles) - 1
}

// Angle returns the rotation recorded for the given pulse count, clamped to
// the table range.
func (c *Calibration) Angle(pulses int) float64 {
	if pulses < 1 {
		pulses = 1
	}
	if pulses > c.Len() {
		pulses = c.Len()
	}
	return c.angles[pulses]
}

// PulsesFor returns the pulse count whose recorded rotation is nearest to
// the wanted angle. Ties go to the smaller count.
func (c *Calibration) PulsesFor(angle float64) int {
	angle = math.Abs(angle)
	best := 1
	bestDiff := math.Abs(c.angles[1] - angle)
	for i := 2; i < len(c.angles); i++ {
		if diff := math.Abs(c.angles[i] - angle); diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	return best
}

// Calibrate measures the turn table by issuing bursts of 1, 2, ... left turn
// pulses and reading back the rotation each burst produced. A measurement
// smaller than its predecessor is treated as wheel slip and retried. The run
// stops once the rotation reaches half a revolution or the table is full.
func Calibrate(ctx context.Context, port bus.Port, angle *shm.AngleRegion, timeout time.Duration, logger *slog.Logger) (*Calibration, error) {
	table := []float64{0}

	for pulses := 1; pulses <= maxCalibrationPulses; pulses++ {
		var measured float64
		retries := 0
		for {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			angle.Clear()
			port.Send(bus.Message{Type: bus.TypeGyroRequest, Dest: bus.NodeGyro})
			port.Send(bus.Message{
				Type:  bus.TypeDrive,
				Dest:  bus.NodeActuator,
				Drive: bus.DrivePayload{Command: drive.New(false, drive.CmdPush, drive.Left), Repeat: pulses},
			})

			v, err := angle.Consume(timeout)
			if err == nil {
				measured = math.Abs(v)
				if measured >= table[pulses-1] {
					break
				}
				logger.Warn("calibration measurement regressed, retrying",
					slog.Int("pulses", pulses),
					slog.Float64("measured", measured),
					slog.Float64("previous", table[pulses-1]))
			} else {
				logger.Warn("calibration rotation unavailable, retrying",
					slog.Int("pulses", pulses), slog.Any("error", err))
			}

			retries++
			if retries >= calibrationRetries {
				return nil, fmt.Errorf("calibrating %d pulses: no usable rotation after %d attempts", pulses, retries)
			}
		}

		table = append(table, measured)
		logger.Info("calibration entry recorded",
			slog.Int("pulses", pulses), slog.Float64("degrees", measured))
		if measured >= calibrationStopAngle {
			break
		}
	}

	return &Calibration{angles: table}, nil
}
