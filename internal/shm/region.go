// Package shm implements the shared channels used for high-rate sensor
// hand-off between nodes: small fixed-layout regions with a single-writer /
// single-reader data-ready flag. Three kinds exist, each with its own
// protocol:
//
//   - Angle: one scalar, published by the gyro node. Consuming blocks with a
//     bounded spin until the writer sets the ready flag.
//   - Position: one latitude/longitude pair, published by the GPS node.
//     Consuming never blocks; the writer and reader serialize on a busy flag.
//   - Mask: a width x height classification mask, continuously overwritten by
//     the vision node with no flag protocol. Readers tolerate tearing between
//     frames.
//
// Each region has exactly one writer role and one reader role fixed at
// creation. The producing node creates its region; consumers open it through
// the same Registry.
package shm

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openrover/roverd/internal/geo"
)

var (
	// ErrRegionExists is returned when a region of the given kind has already
	// been created.
	ErrRegionExists = errors.New("shm: region already exists")

	// ErrUnknownRegion is returned when opening a region that has not been
	// created yet. Creation failures are fatal to the owning node.
	ErrUnknownRegion = errors.New("shm: region not created")

	// ErrStale is returned when a bounded wait on a region flag expires
	// before the other side acted.
	ErrStale = errors.New("shm: data not ready within deadline")
)

// spinInterval is the poll interval for bounded flag waits. The physical
// samplers publish at tens of hertz, so a millisecond poll is well below the
// data cadence.
const spinInterval = time.Millisecond

// Registry tracks the per-kind regions of one rover process. The producing
// node calls the Create method for its kind; consumers call Open.
type Registry struct {
	mu       sync.Mutex
	angle    *AngleRegion
	position *PositionRegion
	mask     *MaskRegion
}

// NewRegistry returns an empty region registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// CreateAngle allocates the scalar angle region. The caller becomes its only
// writer.
func (r *Registry) CreateAngle() (*AngleRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.angle != nil {
		return nil, fmt.Errorf("creating angle region: %w", ErrRegionExists)
	}
	r.angle = &AngleRegion{}
	return r.angle, nil
}

// OpenAngle returns the angle region for reading.
func (r *Registry) OpenAngle() (*AngleRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.angle == nil {
		return nil, fmt.Errorf("opening angle region: %w", ErrUnknownRegion)
	}
	return r.angle, nil
}

// CreatePosition allocates the position region. The caller becomes its only
// writer.
func (r *Registry) CreatePosition() (*PositionRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.position != nil {
		return nil, fmt.Errorf("creating position region: %w", ErrRegionExists)
	}
	r.position = &PositionRegion{}
	return r.position, nil
}

// OpenPosition returns the position region for reading.
func (r *Registry) OpenPosition() (*PositionRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.position == nil {
		return nil, fmt.Errorf("opening position region: %w", ErrUnknownRegion)
	}
	return r.position, nil
}

// CreateMask allocates the mask region sized width x height bytes. The caller
// becomes its only writer.
func (r *Registry) CreateMask(width, height int) (*MaskRegion, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("creating mask region: invalid dimensions %dx%d", width, height)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mask != nil {
		return nil, fmt.Errorf("creating mask region: %w", ErrRegionExists)
	}
	r.mask = &MaskRegion{
		width:  width,
		height: height,
		buf:    make([]byte, width*height),
	}
	return r.mask, nil
}

// OpenMask returns the mask region for reading. The dimensions must match the
// ones it was created with; they travel in the vision node's setup message.
func (r *Registry) OpenMask(width, height int) (*MaskRegion, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mask == nil {
		return nil, fmt.Errorf("opening mask region: %w", ErrUnknownRegion)
	}
	if r.mask.width != width || r.mask.height != height {
		return nil, fmt.Errorf("opening mask region: dimensions %dx%d do not match created %dx%d",
			width, height, r.mask.width, r.mask.height)
	}
	return r.mask, nil
}

// AngleRegion holds one scalar angle behind a ready flag. The gyro node
// publishes the accumulated turn angle; the navigation engine consumes it
// while waiting out a commanded turn.
type AngleRegion struct {
	ready atomic.Bool
	bits  atomic.Uint64
}

// Publish stores the angle and raises the ready flag.
func (a *AngleRegion) Publish(angle float64) {
	a.bits.Store(math.Float64bits(angle))
	a.ready.Store(true)
}

// Consume spins until the ready flag is set, then returns the angle and
// clears the flag. The spin is bounded by timeout; ErrStale is returned if
// the writer never published, so a stalled sampler cannot deadlock the
// engine.
func (a *AngleRegion) Consume(timeout time.Duration) (float64, error) {
	deadline := time.Now().Add(timeout)
	for !a.ready.Load() {
		if time.Now().After(deadline) {
			return 0, ErrStale
		}
		time.Sleep(spinInterval)
	}
	angle := math.Float64frombits(a.bits.Load())
	a.ready.Store(false)
	return angle, nil
}

// Clear drops any unconsumed value. The engine clears the region before
// issuing a turn batch so a stale angle from an earlier turn is not read.
func (a *AngleRegion) Clear() {
	a.ready.Store(false)
}

// Ready reports whether an unconsumed value is pending. The gyro node polls
// this to learn the engine has taken the previous sample.
func (a *AngleRegion) Ready() bool {
	return a.ready.Load()
}

// PositionRegion holds one latitude/longitude pair. The writer and reader
// serialize on a busy flag: not reentrant, not fair, but adequate at the
// position channel's low update rate.
type PositionRegion struct {
	ready   atomic.Bool
	busy    atomic.Bool
	latBits atomic.Uint64
	lonBits atomic.Uint64
}

// Publish waits for a concurrent reader to finish, writes the position and
// raises the ready flag. The wait is bounded by timeout.
func (p *PositionRegion) Publish(pos geo.Position, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for p.busy.Load() {
		if time.Now().After(deadline) {
			return ErrStale
		}
		time.Sleep(spinInterval)
	}
	p.latBits.Store(math.Float64bits(pos.Latitude))
	p.lonBits.Store(math.Float64bits(pos.Longitude))
	p.ready.Store(true)
	return nil
}

// TryConsume returns the pending position, if any, without blocking. A
// successful consume clears the ready flag; the next call reports no data
// until the writer publishes again.
func (p *PositionRegion) TryConsume() (geo.Position, bool) {
	p.busy.Store(true)
	defer p.busy.Store(false)

	if !p.ready.Load() {
		return geo.Position{}, false
	}
	pos := geo.Position{
		Latitude:  math.Float64frombits(p.latBits.Load()),
		Longitude: math.Float64frombits(p.lonBits.Load()),
	}
	p.ready.Store(false)
	return pos, true
}

// MaskRegion is the vision node's classification mask: width x height class
// bytes with no flag protocol. The writer overwrites it at its own cadence
// and readers may observe a frame mid-overwrite; consumers of the mask accept
// that a score computed from a torn frame is averaged away on the next cycle.
type MaskRegion struct {
	width  int
	height int
	buf    []byte
}

// Write copies one full frame into the region.
func (m *MaskRegion) Write(frame []byte) error {
	if len(frame) != len(m.buf) {
		return fmt.Errorf("mask frame is %d bytes, region holds %d", len(frame), len(m.buf))
	}
	copy(m.buf, frame)
	return nil
}

// Bytes returns the live mask buffer. The contents may change under the
// caller; see the type comment.
func (m *MaskRegion) Bytes() []byte {
	return m.buf
}

// Dimensions returns the mask width and height in pixels.
func (m *MaskRegion) Dimensions() (width, height int) {
	return m.width, m.height
}
