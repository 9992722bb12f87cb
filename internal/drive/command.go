// Package drive implements the motor unit wire protocol: a single command
// byte carrying a flush bit, a command code and a direction code, plus the
// CAN frame the actuator node wraps it in.
package drive

// Command byte layout: bit 7 is the flush bit (discard queued pulses before
// this one), bits 2-6 are the command code, bits 0-1 the direction code.
const (
	flushBits = 0x1 << 7
	cmdBits   = 0x1F << 2
	dirBits   = 0x3
)

// Command codes. Only Push is used by the navigation core.
const (
	CmdPush uint8 = 0x0
)

// Direction codes.
const (
	Right    uint8 = 0
	Left     uint8 = 1
	Forward  uint8 = 2
	Backward uint8 = 3
	Stop     uint8 = 4
)

// Command is a single encoded drive command byte.
type Command uint8

// New builds a Command from its flush flag, command code and direction code.
func New(flush bool, cmd, dir uint8) Command {
	var f uint8
	if flush {
		f = 1
	}
	return Command((f&0x1)<<7 | (cmd&0x1F)<<2 | dir&0x3)
}

// Flush reports whether the flush bit is set.
func (c Command) Flush() bool { return uint8(c)&flushBits != 0 }

// Cmd returns the 5-bit command code.
func (c Command) Cmd() uint8 { return (uint8(c) & cmdBits) >> 2 }

// Dir returns the 2-bit direction code.
func (c Command) Dir() uint8 { return uint8(c) & dirBits }

// String returns the direction name for diagnostics.
func (c Command) String() string {
	switch c.Dir() {
	case Right:
		return "right"
	case Left:
		return "left"
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "stop"
	}
}

// MotorSID is the CAN standard identifier of the motor unit.
const MotorSID = 0x123

// Frame is one CAN frame bound for the motor unit. The physical transport
// lives outside this module; the actuator node hands frames to a Bus
// implementation.
type Frame struct {
	SID  uint32
	Data [8]byte
	Len  int
}

// NewFrame wraps a command byte in a single-byte motor frame.
func NewFrame(c Command) Frame {
	var f Frame
	f.SID = MotorSID
	f.Data[0] = uint8(c)
	f.Len = 1
	return f
}
