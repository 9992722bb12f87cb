// Package bus implements the node-orchestration fabric: the fixed set of node
// identities, the tagged message envelope they exchange, and the router that
// owns every node channel.
package bus

import (
	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/mission"
)

// NodeID identifies one participant in the control system. The set is fixed;
// ids double as routing keys and are never created or destroyed at runtime.
type NodeID uint8

const (
	NodeComm NodeID = iota
	NodeActuator
	NodeVision
	NodeNav
	NodeGPS
	NodeGyro
	NodeOperator
	NodeRouter
)

func (n NodeID) String() string {
	switch n {
	case NodeComm:
		return "comm"
	case NodeActuator:
		return "actuator"
	case NodeVision:
		return "vision"
	case NodeNav:
		return "nav"
	case NodeGPS:
		return "gps"
	case NodeGyro:
		return "gyro"
	case NodeOperator:
		return "operator"
	case NodeRouter:
		return "router"
	}
	return "unknown"
}

// MsgType selects the active payload of a Message. The tag is authoritative:
// receivers never infer the payload shape from the source node.
type MsgType uint8

const (
	// TypeDrive carries a drive command for the actuator (Drive payload).
	TypeDrive MsgType = iota
	// TypePosition carries a waypoint target or a fix (Position payload).
	TypePosition
	// TypeVisionReady is the vision handshake: the setup notice carrying the
	// mask dimensions, the engine's request for a fresh frame, and the vision
	// node's frame-ready reply (Mask payload).
	TypeVisionReady
	// TypeModeToggle switches the engine between automatic and manual
	// steering (Mode payload).
	TypeModeToggle
	// TypeMission is a mission queue operation or the engine's completion
	// notice (Mission payload).
	TypeMission
	// TypeKill tears the system down.
	TypeKill
	// TypeCalibrationDone announces that turn calibration finished.
	TypeCalibrationDone
	// TypeGyroRequest asks the gyro node to start collecting a turn sample.
	TypeGyroRequest
	// TypeParamsReload asks the navigation node to re-read its parameters.
	TypeParamsReload
	// TypeDisconnect reports that the operator client dropped.
	TypeDisconnect
)

func (t MsgType) String() string {
	switch t {
	case TypeDrive:
		return "drive"
	case TypePosition:
		return "position"
	case TypeVisionReady:
		return "vision-ready"
	case TypeModeToggle:
		return "mode-toggle"
	case TypeMission:
		return "mission"
	case TypeKill:
		return "kill"
	case TypeCalibrationDone:
		return "calibration-done"
	case TypeGyroRequest:
		return "gyro-request"
	case TypeParamsReload:
		return "params-reload"
	case TypeDisconnect:
		return "disconnect"
	}
	return "unknown"
}

// Mode is the engine's steering mode.
type Mode uint8

const (
	// Automatic steers from vision and GPS data.
	Automatic Mode = iota
	// Manual passes operator drive commands through to the actuator.
	Manual
)

func (m Mode) String() string {
	if m == Manual {
		return "manual"
	}
	return "automatic"
}

// MissionOp is the operation of a TypeMission message.
type MissionOp uint8

const (
	// OpCreate inserts a directive after the directive named by AfterID.
	OpCreate MissionOp = iota
	// OpUpdate is accepted on the wire but has no defined effect; the router
	// rejects it with a log line.
	OpUpdate
	// OpDelete removes the directive named by ID.
	OpDelete
	// OpFlush empties the queue.
	OpFlush
	// OpAdvance is sent by the navigation engine when the head directive
	// completed; the router pops the queue.
	OpAdvance
)

// DrivePayload is a drive command plus how many times the actuator enqueues
// it. Repeat counts above one are used for batched multi-pulse turns.
type DrivePayload struct {
	Command drive.Command
	Repeat  int
}

// MaskPayload carries the dimensions of the vision mask region.
type MaskPayload struct {
	Width  int
	Height int
}

// MissionPayload describes a queue operation.
type MissionPayload struct {
	Op      MissionOp
	Kind    mission.Kind
	ID      uint64 // directive to delete
	AfterID uint64 // predecessor for create
	Target  geo.Position
}

// Message is the fixed-size envelope every node exchanges through the router.
// Type selects the active payload field; Source and Dest are routing
// metadata. Messages are copied by value across node boundaries.
type Message struct {
	Type   MsgType
	Source NodeID
	Dest   NodeID

	Drive    DrivePayload
	Position geo.Position
	Mask     MaskPayload
	Mode     Mode
	Mission  MissionPayload
}
