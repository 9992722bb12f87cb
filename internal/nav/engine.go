package nav

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/shm"
)

// State is the engine's steering state.
type State uint8

const (
	// Stopped is the initial state and the state after reaching a waypoint.
	Stopped State = iota
	// MovingForward means the last command drove straight ahead.
	MovingForward
	// TurningLeft means a left correction is in progress.
	TurningLeft
	// TurningRight means a right correction is in progress.
	TurningRight
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case MovingForward:
		return "forward"
	case TurningLeft:
		return "turning-left"
	case TurningRight:
		return "turning-right"
	}
	return "unknown"
}

// Config holds the tunable navigation parameters. Zero values for the
// bounded fields are replaced with defaults by withDefaults.
type Config struct {
	// ArriveDistance is the radius in meters within which a waypoint counts
	// as reached.
	ArriveDistance float64

	// RebearingDistance is how far the vehicle must travel from its turn
	// reference before a new bearing correction is computed.
	RebearingDistance float64

	// ScoreThreshold is the obstacle score below which the center view is
	// considered clear.
	ScoreThreshold float64

	// TurnDecay in (0,1) discounts the score of the direction a bearing
	// correction favors, and the center score when driving straight.
	TurnDecay float64

	// SideWindow and CenterWindow are the moving average lengths for the
	// side and center kernels.
	SideWindow   int
	CenterWindow int

	// UseGPS enables position fixes, arrival detection and bearing
	// corrections. Without it the engine steers by vision alone.
	UseGPS bool

	// StartManual arms the engine in manual mode.
	StartManual bool

	// MaxTableLookups bounds how many calibrated multi-pulse bursts a single
	// bearing correction may issue before falling back to single pulses.
	MaxTableLookups int

	// MaxTurnAttempts bounds the total bursts of one bearing correction.
	MaxTurnAttempts int

	// GyroTimeout bounds the wait for a rotation measurement.
	GyroTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SideWindow < 1 {
		c.SideWindow = 5
	}
	if c.CenterWindow < 1 {
		c.CenterWindow = 3
	}
	if c.MaxTableLookups < 1 {
		c.MaxTableLookups = 3
	}
	if c.MaxTurnAttempts < 1 {
		c.MaxTurnAttempts = 12
	}
	if c.GyroTimeout <= 0 {
		c.GyroTimeout = 5 * time.Second
	}
	if c.TurnDecay <= 0 || c.TurnDecay >= 1 {
		c.TurnDecay = 0.85
	}
	return c
}

// DecisionLog receives every drive command the engine emits, for
// persistence. Implementations must not block.
type DecisionLog interface {
	DriveDecision(cmd drive.Command, repeat int, left, right, center float64)
}

// WithCalibration seeds the engine with a previously measured turn table so
// the startup calibration run is skipped.
func WithCalibration(c *Calibration) func(*Engine) {
	return func(e *Engine) {
		e.calib = c
	}
}

// WithReload installs the loader invoked on a parameter reload request.
func WithReload(load func() (Config, error)) func(*Engine) {
	return func(e *Engine) {
		e.reload = load
	}
}

// WithDecisionLog installs a drive decision sink.
func WithDecisionLog(log DecisionLog) func(*Engine) {
	return func(e *Engine) {
		e.decisions = log
	}
}

// Engine is the navigation node. It owns the steering state machine: scoring
// vision masks through the filter kernels, steering around obstacles,
// correcting the bearing toward the active waypoint and reporting waypoint
// completion. It runs single-threaded inside Run; all fields are confined to
// that goroutine.
type Engine struct {
	cfg       Config
	logger    *slog.Logger
	registry  *shm.Registry
	reload    func() (Config, error)
	decisions DecisionLog

	angle    *shm.AngleRegion
	position *shm.PositionRegion
	mask     *shm.MaskRegion
	calib    *Calibration

	left   *Kernel
	right  *Kernel
	center *Kernel

	leftWin   *Window
	rightWin  *Window
	centerWin *Window

	state State
	mode  bus.Mode

	current     geo.Position
	previous    geo.Position
	destination geo.Position
	haveDest    bool
	arrived     bool

	visionPending bool
}

// NewEngine builds the navigation node. The angle region must already exist
// in the registry; the position region must exist when cfg.UseGPS is set.
// The mask region is opened later, once the vision node announces its
// dimensions.
func NewEngine(registry *shm.Registry, cfg Config, logger *slog.Logger, opts ...func(*Engine)) (*Engine, error) {
	e := &Engine{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		registry: registry,
		mode:     bus.Automatic,
	}
	if cfg.StartManual {
		e.mode = bus.Manual
	}

	var err error
	if e.angle, err = registry.OpenAngle(); err != nil {
		return nil, fmt.Errorf("opening rotation region: %w", err)
	}
	if cfg.UseGPS {
		if e.position, err = registry.OpenPosition(); err != nil {
			return nil, fmt.Errorf("opening position region: %w", err)
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ID implements bus.Node.
func (e *Engine) ID() bus.NodeID {
	return bus.NodeNav
}

// Run implements bus.Node. It blocks in three phases: waiting for the vision
// setup notice, running turn calibration unless a table was seeded, then the
// steering loop. Returns nil on an orderly shutdown.
func (e *Engine) Run(ctx context.Context, port bus.Port) error {
	if err := e.awaitSetup(ctx, port); err != nil || e.mask == nil {
		return err
	}

	if e.calib == nil {
		c, err := Calibrate(ctx, port, e.angle, e.cfg.GyroTimeout, e.logger)
		if err != nil {
			return fmt.Errorf("turn calibration: %w", err)
		}
		e.calib = c
	}
	e.logger.Info("turn calibration ready",
		slog.Int("entries", e.calib.Len()),
		slog.Float64("unit_degrees", e.calib.Unit()))
	port.Send(bus.Message{Type: bus.TypeCalibrationDone, Dest: bus.NodeGPS})

	e.requestVision(port)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
			e.handle(m, port)
		}
	}
}

// awaitSetup consumes messages until the vision node announces the mask
// dimensions, then opens the region and builds the kernels. Waypoints that
// arrive early are stashed. A nil mask on return means shutdown began before
// setup finished.
func (e *Engine) awaitSetup(ctx context.Context, port bus.Port) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
			switch m.Type {
			case bus.TypeVisionReady:
				if m.Mask.Width > 0 && m.Mask.Height > 0 {
					return e.setup(m.Mask.Width, m.Mask.Height)
				}
			case bus.TypePosition:
				if m.Position.IsZero() {
					e.haveDest = false
					continue
				}
				e.destination = m.Position
				e.haveDest = true
			case bus.TypeModeToggle:
				e.mode = m.Mode
			default:
				e.logger.Debug("message before vision setup dropped",
					slog.String("type", m.Type.String()))
			}
		}
	}
}

func (e *Engine) setup(width, height int) error {
	mask, err := e.registry.OpenMask(width, height)
	if err != nil {
		return fmt.Errorf("opening %dx%d mask region: %w", width, height, err)
	}
	e.mask = mask
	e.buildKernels(width, height)
	e.logger.Info("vision mask attached",
		slog.Int("width", width), slog.Int("height", height))
	return nil
}

// buildKernels sizes the three kernels against the lower half of the mask.
// The side kernels taper from a full half-width at the horizon row to the
// middle column at the bottom; the center wedge widens downward from three
// quarters of the image width.
func (e *Engine) buildKernels(width, height int) {
	kh := height / 2
	flairWidth := int(float64(width) * 0.75)

	e.left = NewLeftKernel(width/2, kh, width, kh)
	e.right = NewRightKernel(width/2, kh, width, kh)
	e.center = NewCenterKernel(flairWidth/2, flairWidth, kh, width, kh)

	e.leftWin = NewWindow(e.cfg.SideWindow)
	e.rightWin = NewWindow(e.cfg.SideWindow)
	e.centerWin = NewWindow(e.cfg.CenterWindow)
}

func (e *Engine) handle(m bus.Message, port bus.Port) {
	switch m.Type {
	case bus.TypeVisionReady:
		e.visionPending = false
		if e.mode == bus.Automatic {
			e.step(port)
		}

	case bus.TypeModeToggle:
		e.setMode(m.Mode, port)

	case bus.TypeDrive:
		if e.mode != bus.Manual {
			e.logger.Warn("manual drive command ignored in automatic mode")
			return
		}
		port.Send(bus.Message{Type: bus.TypeDrive, Dest: bus.NodeActuator, Drive: m.Drive})

	case bus.TypePosition:
		if m.Position.IsZero() {
			e.clearWaypoint(port)
			return
		}
		e.destination = m.Position
		e.haveDest = true
		e.arrived = false
		e.logger.Info("waypoint set",
			slog.Float64("lat", m.Position.Latitude),
			slog.Float64("lon", m.Position.Longitude))
		e.requestVision(port)

	case bus.TypeParamsReload:
		e.reloadParams()

	case bus.TypeDisconnect:
		if e.mode == bus.Manual {
			port.Send(bus.Message{
				Type:  bus.TypeDrive,
				Dest:  bus.NodeActuator,
				Drive: bus.DrivePayload{Command: drive.New(true, drive.CmdPush, drive.Stop), Repeat: 1},
			})
			e.logger.Warn("operator lost in manual mode, vehicle stopped")
		}

	default:
		e.logger.Debug("unhandled message", slog.String("type", m.Type.String()))
	}
}

func (e *Engine) setMode(mode bus.Mode, port bus.Port) {
	if mode == e.mode {
		return
	}
	e.mode = mode
	e.logger.Info("steering mode changed", slog.String("mode", mode.String()))

	if mode == bus.Automatic {
		// The vehicle may have been driven arbitrarily while manual, so the
		// turn reference is stale.
		e.previous = e.current
		e.state = Stopped
		e.resetWindows()
		e.requestVision(port)
	}
}

func (e *Engine) reloadParams() {
	if e.reload == nil {
		return
	}
	cfg, err := e.reload()
	if err != nil {
		e.logger.Error("parameter reload failed", slog.Any("error", err))
		return
	}
	cfg = cfg.withDefaults()
	if cfg.UseGPS && e.position == nil {
		// The flag was off at startup, so no fix publisher was wired. Attach
		// the region if one exists; otherwise keep steering by vision alone.
		region, err := e.registry.OpenPosition()
		if err != nil {
			e.logger.Warn("gps remains disabled, no position region to attach",
				slog.Any("error", err))
			cfg.UseGPS = false
		} else {
			e.position = region
		}
	}
	e.cfg = cfg
	if e.mask != nil {
		e.leftWin = NewWindow(e.cfg.SideWindow)
		e.rightWin = NewWindow(e.cfg.SideWindow)
		e.centerWin = NewWindow(e.cfg.CenterWindow)
	}
	e.logger.Info("navigation parameters reloaded",
		slog.Float64("arrive_distance_m", e.cfg.ArriveDistance),
		slog.Float64("rebearing_distance_m", e.cfg.RebearingDistance),
		slog.Float64("score_threshold", e.cfg.ScoreThreshold),
		slog.Float64("turn_decay", e.cfg.TurnDecay),
		slog.Int("side_window", e.cfg.SideWindow),
		slog.Int("center_window", e.cfg.CenterWindow))
}

// step runs one perception-decision cycle against the freshly written mask.
func (e *Engine) step(port bus.Port) {
	buf := e.mask.Bytes()
	lower := buf[len(buf)/2:]

	l, err := e.left.Score(lower)
	if err != nil {
		e.logger.Error("scoring mask", slog.Any("error", err))
		return
	}
	r, _ := e.right.Score(lower)
	c, _ := e.center.Score(lower)
	e.leftWin.Push(l)
	e.rightWin.Push(r)
	e.centerWin.Push(c)

	var fromPrev float64
	if e.cfg.UseGPS {
		if p, ok := e.position.TryConsume(); ok {
			e.current = p
			if e.previous.IsZero() {
				e.previous = p
			}
		}
		if e.haveDest && !e.current.IsZero() {
			toGo := geo.Distance(e.current, e.destination)
			fromPrev = geo.Distance(e.current, e.previous)
			if toGo < e.cfg.ArriveDistance {
				e.arrived = true
			}
		}
	}

	if e.arrived {
		e.completeWaypoint(port)
		return
	}

	permitted := e.windowsFull()
	if e.cfg.UseGPS {
		permitted = permitted && e.haveDest &&
			!e.current.IsZero() && !e.destination.IsZero()
	}
	if permitted {
		e.act(port, fromPrev)
	}
	e.requestVision(port)
}

func (e *Engine) completeWaypoint(port bus.Port) {
	e.logger.Info("waypoint reached",
		slog.Float64("lat", e.destination.Latitude),
		slog.Float64("lon", e.destination.Longitude))
	e.arrived = false
	e.haveDest = false
	e.state = Stopped
	e.resetWindows()
	e.previous = e.current
	// The next waypoint, if any, comes back as a position message and
	// re-arms the vision loop.
	port.Send(bus.Message{
		Type:    bus.TypeMission,
		Dest:    bus.NodeRouter,
		Mission: bus.MissionPayload{Op: bus.OpAdvance},
	})
}

// clearWaypoint handles a retraction notice: the active target was deleted
// from the mission queue, so the vehicle must not keep driving toward it.
func (e *Engine) clearWaypoint(port bus.Port) {
	if !e.haveDest {
		return
	}
	e.haveDest = false
	e.arrived = false
	e.state = Stopped
	e.resetWindows()
	port.Send(bus.Message{
		Type:  bus.TypeDrive,
		Dest:  bus.NodeActuator,
		Drive: bus.DrivePayload{Command: drive.New(true, drive.CmdPush, drive.Stop), Repeat: 1},
	})
	e.logger.Info("waypoint retracted, vehicle stopped")
}

// act turns the windowed scores into at most one drive decision.
func (e *Engine) act(port bus.Port, fromPrev float64) {
	var bearing float64
	if e.cfg.UseGPS && e.haveDest && fromPrev > e.cfg.RebearingDistance {
		t, err := geo.BearingCorrection(e.current, e.previous, e.destination)
		if err != nil {
			e.logger.Debug("bearing correction skipped", slog.Any("error", err))
		} else {
			bearing = t
		}
	}

	left, right, center := e.weighted(bearing)
	cmd, ok := e.decide(left, right, center)
	switch {
	case !ok:
		e.previous = e.current
	case cmd.Dir() == drive.Forward:
		e.send(port, cmd, 1, left, right, center)
	default:
		e.correct(port, cmd, bearing, left, right, center)
		e.resetWindows()
		e.previous = e.current
	}
}

// weighted applies the bearing bias to the raw window averages. A correction
// larger than one pulse discounts the favored side in proportion to the
// pulse count; otherwise the center is discounted and both sides are boosted
// so straight driving wins ties.
func (e *Engine) weighted(bearing float64) (left, right, center float64) {
	left = e.leftWin.Average()
	right = e.rightWin.Average()
	center = e.centerWin.Average()

	if abs := math.Abs(bearing); e.calib != nil && abs > e.calib.Unit() {
		bias := math.Pow(e.cfg.TurnDecay, float64(int(abs/e.calib.Unit())))
		if bearing < 0 {
			left *= bias
		} else {
			right *= bias
		}
	} else {
		boost := 2 - e.cfg.TurnDecay
		center *= e.cfg.TurnDecay
		left *= boost
		right *= boost
	}
	return left, right, center
}

// decide advances the state machine and returns the command to emit, if any.
func (e *Engine) decide(left, right, center float64) (drive.Command, bool) {
	switch e.state {
	case Stopped:
		// First full window after arming: start moving next cycle.
		e.state = MovingForward
		return 0, false

	case MovingForward:
		switch {
		case center < e.cfg.ScoreThreshold && center < left && center < right:
			return drive.New(false, drive.CmdPush, drive.Forward), true
		case left < right:
			e.state = TurningLeft
			return drive.New(true, drive.CmdPush, drive.Left), true
		case right < left:
			e.state = TurningRight
			return drive.New(true, drive.CmdPush, drive.Right), true
		}
		return 0, false

	case TurningLeft:
		if center < e.cfg.ScoreThreshold {
			e.state = MovingForward
			return drive.New(false, drive.CmdPush, drive.Forward), true
		}
		return drive.New(false, drive.CmdPush, drive.Left), true

	default: // TurningRight
		if center < e.cfg.ScoreThreshold {
			e.state = MovingForward
			return drive.New(false, drive.CmdPush, drive.Forward), true
		}
		return drive.New(false, drive.CmdPush, drive.Right), true
	}
}

// correct executes a turn. A bearing error within one pulse issues the
// decided command once; a larger error runs the measured correction loop:
// calibrated bursts with gyro feedback, then single pulses, until the
// remaining error is within one pulse or the attempt budget runs out.
// Rotation is reported left-positive, so adding the measurement to the
// remaining error converges toward zero.
func (e *Engine) correct(port bus.Port, first drive.Command, bearing float64, left, right, center float64) {
	if e.calib == nil || math.Abs(bearing) <= e.calib.Unit() {
		e.send(port, first, 1, left, right, center)
		return
	}

	unit := e.calib.Unit()
	remaining := bearing
	cmd := first
	for attempt := 0; attempt < e.cfg.MaxTurnAttempts; attempt++ {
		if attempt > 0 {
			dir := drive.Right
			if remaining < 0 {
				dir = drive.Left
			}
			cmd = drive.New(false, drive.CmdPush, dir)
		}

		pulses := 1
		if attempt < e.cfg.MaxTableLookups {
			pulses = e.calib.PulsesFor(remaining)
		}

		e.angle.Clear()
		port.Send(bus.Message{Type: bus.TypeGyroRequest, Dest: bus.NodeGyro})
		e.send(port, cmd, pulses, left, right, center)

		measured, err := e.angle.Consume(e.cfg.GyroTimeout)
		if err != nil {
			e.logger.Warn("rotation feedback unavailable, abandoning correction",
				slog.Any("error", err),
				slog.Float64("remaining_degrees", remaining))
			return
		}
		remaining += measured
		if math.Abs(remaining) <= unit {
			return
		}
	}
	e.logger.Warn("bearing correction budget exhausted",
		slog.Float64("remaining_degrees", remaining))
}

func (e *Engine) send(port bus.Port, cmd drive.Command, repeat int, left, right, center float64) {
	port.Send(bus.Message{
		Type:  bus.TypeDrive,
		Dest:  bus.NodeActuator,
		Drive: bus.DrivePayload{Command: cmd, Repeat: repeat},
	})
	if e.decisions != nil {
		e.decisions.DriveDecision(cmd, repeat, left, right, center)
	}
}

func (e *Engine) requestVision(port bus.Port) {
	if e.visionPending || e.mode != bus.Automatic || e.mask == nil {
		return
	}
	e.visionPending = true
	port.Send(bus.Message{Type: bus.TypeVisionReady, Dest: bus.NodeVision})
}

func (e *Engine) windowsFull() bool {
	return e.leftWin.Full() && e.rightWin.Full() && e.centerWin.Full()
}

func (e *Engine) resetWindows() {
	e.leftWin.Reset()
	e.rightWin.Reset()
	e.centerWin.Reset()
}
