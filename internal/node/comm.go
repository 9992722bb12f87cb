package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openrover/roverd/internal/bus"
	"github.com/openrover/roverd/internal/drive"
	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/mission"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

const (
	pingInterval = 5 * time.Second

	// pongWait bounds how long a silent client stays connected.
	pongWait = 3 * pingInterval

	writeWait = 10 * time.Second
)

// OperatorMessage is the JSON envelope exchanged with the operator client.
// Inbound it carries drive, mission, mode, params and kill requests;
// outbound it carries telemetry the router addresses to the operator.
type OperatorMessage struct {
	Type string `json:"type"`

	// drive
	Direction string `json:"direction,omitempty"`
	Flush     bool   `json:"flush,omitempty"`
	Repeat    int    `json:"repeat,omitempty"`

	// mission
	Op      string  `json:"op,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	ID      uint64  `json:"id,omitempty"`
	AfterID uint64  `json:"after_id,omitempty"`
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`

	// mode
	Mode string `json:"mode,omitempty"`
}

// Comm is the operator link: a websocket endpoint accepting one client at a
// time. Client requests become router messages; a lost or silent client
// produces a disconnect notice so the engine can stop a manually driven
// vehicle. The endpoint re-arms after every disconnect.
type Comm struct {
	addr   string
	logger *slog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewComm builds the node listening on addr.
func NewComm(addr string, logger *slog.Logger) *Comm {
	return &Comm{addr: addr, logger: logger}
}

// ID implements bus.Node.
func (c *Comm) ID() bus.NodeID {
	return bus.NodeComm
}

// Run implements bus.Node. It serves until shutdown; the HTTP listener
// failing is fatal.
func (c *Comm) Run(ctx context.Context, port bus.Port) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", func(w http.ResponseWriter, r *http.Request) {
		c.handleClient(ctx, port, w, r)
	})
	server := &http.Server{Addr: c.addr, Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()
	c.logger.Info("operator endpoint listening", slog.String("addr", c.addr))

	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-serveErr:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("operator endpoint: %w", err)
		case m, ok := <-port.Recv():
			if !ok || m.Type == bus.TypeKill {
				return nil
			}
			if m.Dest == bus.NodeComm || m.Dest == bus.NodeOperator {
				c.push(m)
			}
		}
	}
}

// handleClient owns one websocket session. A second client displaces the
// first.
func (c *Comm) handleClient(ctx context.Context, port bus.Port, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("websocket upgrade failed", slog.Any("error", err))
		return
	}

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()
	c.logger.Info("operator connected", slog.String("remote", conn.RemoteAddr().String()))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go c.ping(conn, stopPing)

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.logger.Info("operator disconnected")
		port.Send(bus.Message{Type: bus.TypeDisconnect, Dest: bus.NodeNav})
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		var om OperatorMessage
		if err := conn.ReadJSON(&om); err != nil {
			return
		}
		m, err := c.translate(om)
		if err != nil {
			c.logger.Warn("operator request rejected", slog.Any("error", err))
			continue
		}
		port.Send(m)
	}
}

func (c *Comm) ping(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// push forwards an operator-bound router message to the connected client,
// dropping it when no client is attached.
func (c *Comm) push(m bus.Message) {
	om := OperatorMessage{Type: m.Type.String()}
	switch m.Type {
	case bus.TypePosition:
		om.Lat = m.Position.Latitude
		om.Lon = m.Position.Longitude
	case bus.TypeMission:
		om.ID = m.Mission.ID
		om.Lat = m.Mission.Target.Latitude
		om.Lon = m.Mission.Target.Longitude
	}

	payload, err := json.Marshal(om)
	if err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.logger.Warn("operator push failed", slog.Any("error", err))
	}
}

// translate converts an operator request into a router message.
func (c *Comm) translate(om OperatorMessage) (bus.Message, error) {
	switch om.Type {
	case "drive":
		dir, err := parseDirection(om.Direction)
		if err != nil {
			return bus.Message{}, err
		}
		repeat := om.Repeat
		if repeat < 1 {
			repeat = 1
		}
		flush := om.Flush
		if dir == drive.Stop {
			// Stop overflows the direction field; the queue flush is what
			// actually halts the vehicle.
			flush = true
		}
		return bus.Message{
			Type:  bus.TypeDrive,
			Dest:  bus.NodeActuator,
			Drive: bus.DrivePayload{Command: drive.New(flush, drive.CmdPush, dir), Repeat: repeat},
		}, nil

	case "mission":
		op, err := parseMissionOp(om.Op)
		if err != nil {
			return bus.Message{}, err
		}
		kind := mission.Position
		if strings.EqualFold(om.Kind, "vision") {
			kind = mission.Vision
		}
		return bus.Message{
			Type: bus.TypeMission,
			Dest: bus.NodeRouter,
			Mission: bus.MissionPayload{
				Op:      op,
				Kind:    kind,
				ID:      om.ID,
				AfterID: om.AfterID,
				Target:  geo.Position{Latitude: om.Lat, Longitude: om.Lon},
			},
		}, nil

	case "mode":
		mode := bus.Automatic
		switch strings.ToLower(om.Mode) {
		case "automatic":
		case "manual":
			mode = bus.Manual
		default:
			return bus.Message{}, fmt.Errorf("unknown mode %q", om.Mode)
		}
		return bus.Message{Type: bus.TypeModeToggle, Dest: bus.NodeNav, Mode: mode}, nil

	case "params":
		return bus.Message{Type: bus.TypeParamsReload, Dest: bus.NodeNav}, nil

	case "kill":
		return bus.Message{Type: bus.TypeKill, Dest: bus.NodeRouter}, nil
	}
	return bus.Message{}, fmt.Errorf("unknown request type %q", om.Type)
}

func parseDirection(s string) (uint8, error) {
	switch strings.ToLower(s) {
	case "right":
		return drive.Right, nil
	case "left":
		return drive.Left, nil
	case "forward":
		return drive.Forward, nil
	case "backward":
		return drive.Backward, nil
	case "stop":
		return drive.Stop, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

func parseMissionOp(s string) (bus.MissionOp, error) {
	switch strings.ToLower(s) {
	case "create":
		return bus.OpCreate, nil
	case "update":
		return bus.OpUpdate, nil
	case "delete":
		return bus.OpDelete, nil
	case "flush":
		return bus.OpFlush, nil
	}
	return 0, fmt.Errorf("unknown mission op %q", s)
}
