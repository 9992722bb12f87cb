package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openrover/roverd/internal/geo"
	"github.com/openrover/roverd/internal/mission"
)

const (
	// defaultTick is the router's periodic wakeup when no traffic arrives.
	defaultTick = time.Second

	// portBuffer is the depth of each node's inbound channel. A full port
	// drops the message for that iteration, which is logged and skipped like
	// any other transient channel failure.
	portBuffer = 16
)

// Node is one participant process attached to the router. Run blocks until a
// kill message arrives or the context is cancelled.
type Node interface {
	ID() NodeID
	Run(ctx context.Context, port Port) error
}

// Port is a node's duplex channel pair to the router. Nodes receive from
// Recv and send through Send; no node-to-node channels exist.
type Port struct {
	id    NodeID
	recv  <-chan Message
	inbox chan<- Message
}

// NewPort builds a detached port over caller-owned channels, for exercising
// a node without running a router.
func NewPort(id NodeID, recv <-chan Message, inbox chan<- Message) Port {
	return Port{id: id, recv: recv, inbox: inbox}
}

// Recv returns the channel the router delivers messages on. It is closed
// during shutdown after the kill message is delivered.
func (p Port) Recv() <-chan Message {
	return p.recv
}

// Send routes a message through the router. The source id is stamped by the
// port so routing metadata is always truthful.
func (p Port) Send(m Message) {
	m.Source = p.id
	p.inbox <- m
}

// ID returns the node id this port was registered under.
func (p Port) ID() NodeID {
	return p.id
}

// MissionLog receives mission queue events for persistence. Implementations
// must not block the router; failures are theirs to log.
type MissionLog interface {
	MissionEvent(op string, id uint64, target geo.Position)
}

// WithTick overrides the router's periodic wakeup interval.
func WithTick(d time.Duration) func(*Router) {
	return func(r *Router) {
		r.tick = d
	}
}

// WithMissionLog sets the sink for mission queue events.
func WithMissionLog(log MissionLog) func(*Router) {
	return func(r *Router) {
		r.missionLog = log
	}
}

// Router owns the channel to every node and forwards messages by destination.
// Mission queue messages are special-cased: the router applies them to the
// queue and synthesizes directive messages for the navigation engine whenever
// the head changes.
type Router struct {
	queue  *mission.Queue
	logger *slog.Logger

	inbox chan Message
	ports map[NodeID]chan Message
	nodes []Node

	tick       time.Duration
	missionLog MissionLog

	wg sync.WaitGroup
}

// New creates a router over the given mission queue.
func New(queue *mission.Queue, logger *slog.Logger, options ...func(*Router)) *Router {
	r := Router{
		queue:  queue,
		logger: logger.With(slog.String("node", NodeRouter.String())),
		inbox:  make(chan Message, portBuffer*4),
		ports:  make(map[NodeID]chan Message),
		tick:   defaultTick,
	}

	for _, option := range options {
		option(&r)
	}

	return &r
}

// Attach registers a node and allocates its duplex channel. Attaching two
// nodes under one id is a startup error and fatal to the caller.
func (r *Router) Attach(n Node) error {
	if _, ok := r.ports[n.ID()]; ok {
		return fmt.Errorf("node %s already attached", n.ID())
	}
	r.ports[n.ID()] = make(chan Message, portBuffer)
	r.nodes = append(r.nodes, n)
	return nil
}

// Run spawns every attached node and routes messages until a kill message
// arrives or the context is cancelled, then broadcasts the kill, closes all
// node channels and waits for the nodes to return.
func (r *Router) Run(ctx context.Context) error {
	if len(r.nodes) == 0 {
		return fmt.Errorf("no nodes attached")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, n := range r.nodes {
		port := Port{id: n.ID(), recv: r.ports[n.ID()], inbox: r.inbox}

		r.wg.Add(1)
		go func(n Node, port Port) {
			defer r.wg.Done()
			if err := n.Run(ctx, port); err != nil {
				r.logger.Error(fmt.Sprintf("node stopped: %s", err),
					slog.String("node", n.ID().String()))
			}
		}(n, port)
	}

	r.logger.Info("router running", slog.Int("nodes", len(r.nodes)))

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown(cancel)
			return ctx.Err()

		case <-ticker.C:
			r.logger.Debug("tick", slog.Int("queued directives", r.queue.Len()))

		case m := <-r.inbox:
			if m.Type == TypeKill {
				r.logger.Info("kill received", slog.String("source", m.Source.String()))
				r.shutdown(cancel)
				return nil
			}
			r.dispatch(m)
		}
	}
}

// dispatch routes one inbound message, special-casing mission traffic and
// manual drive input.
func (r *Router) dispatch(m Message) {
	switch {
	case m.Type == TypeMission && m.Source == NodeNav && m.Mission.Op == OpAdvance:
		r.advanceMission()
		return

	case m.Type == TypeMission && m.Source == NodeComm:
		r.applyMissionOp(m)
		return

	case m.Type == TypeDrive && m.Source == NodeComm && m.Dest == NodeActuator:
		// Manual input must pass through the control layer.
		m.Dest = NodeNav
	}

	r.forward(m)
}

// advanceMission pops the completed head directive and routes the new head's
// target, if any.
func (r *Router) advanceMission() {
	completed := r.queue.Head()
	newHead, ok := r.queue.PopHead()
	if !ok {
		r.logger.Warn("mission advance with empty queue")
		return
	}

	r.logger.Info("directive completed", slog.Uint64("id", completed.ID))
	r.recordMission("completed", completed)

	r.announceHead(newHead)
}

// announceHead routes a head directive to its node. Vision captures are
// one-shot: the directive is dispatched, popped immediately and announcement
// continues with the next head.
func (r *Router) announceHead(d *mission.Directive) {
	for d != nil && d.Kind == mission.Vision {
		r.forward(r.directiveMessage(d))
		r.recordMission("completed", d)
		d, _ = r.queue.PopHead()
	}
	if d != nil {
		r.forward(r.directiveMessage(d))
	}
}

// applyMissionOp handles a create/update/delete/flush from the comm node.
func (r *Router) applyMissionOp(m Message) {
	switch m.Mission.Op {
	case OpCreate:
		d, headChanged := r.queue.Insert(m.Mission.Kind, m.Mission.Target, m.Mission.AfterID)
		r.logger.Info("directive created",
			slog.Uint64("id", d.ID),
			slog.Uint64("after", m.Mission.AfterID),
			slog.Bool("head", headChanged))
		r.recordMission("created", d)
		if headChanged {
			r.announceHead(d)
		}

	case OpDelete:
		newHead, headChanged, found := r.queue.Delete(m.Mission.ID)
		if !found {
			r.logger.Warn("delete of unknown directive", slog.Uint64("id", m.Mission.ID))
			return
		}
		r.logger.Info("directive deleted", slog.Uint64("id", m.Mission.ID))
		r.recordMission("deleted", &mission.Directive{ID: m.Mission.ID})
		if headChanged {
			r.announceHead(newHead)
			if r.queue.Head() == nil {
				// The deleted directive was the active target and nothing
				// replaced it. A zero position retracts it so the engine does
				// not keep driving there.
				r.forward(Message{Type: TypePosition, Source: NodeRouter, Dest: NodeNav})
			}
		}

	case OpFlush:
		r.queue.Flush()
		r.logger.Info("mission queue flushed")

	case OpUpdate:
		// No defined semantics; the operator is expected to delete and
		// re-create instead.
		r.logger.Warn("mission update rejected", slog.Uint64("id", m.Mission.ID))

	default:
		r.logger.Warn("unknown mission operation", slog.Int("op", int(m.Mission.Op)))
	}
}

// directiveMessage synthesizes the message announcing a new head directive.
func (r *Router) directiveMessage(d *mission.Directive) Message {
	if d.Kind == mission.Vision {
		return Message{
			Type:   TypeVisionReady,
			Source: NodeRouter,
			Dest:   NodeVision,
		}
	}
	return Message{
		Type:     TypePosition,
		Source:   NodeRouter,
		Dest:     NodeNav,
		Position: d.Target,
	}
}

// forward delivers a message to its destination channel. A missing
// destination or a full channel is logged and the message dropped; neither is
// fatal to the router.
func (r *Router) forward(m Message) {
	dest := m.Dest
	if dest == NodeOperator {
		// The operator is reachable only through the comm node's link.
		dest = NodeComm
	}
	port, ok := r.ports[dest]
	if !ok {
		r.logger.Error("message for unknown destination",
			slog.String("dest", m.Dest.String()),
			slog.String("type", m.Type.String()))
		return
	}

	select {
	case port <- m:
	default:
		r.logger.Warn("dropping message, node channel full",
			slog.String("dest", m.Dest.String()),
			slog.String("type", m.Type.String()))
	}
}

// shutdown broadcasts the kill message, closes every node channel and waits
// for the nodes to return.
func (r *Router) shutdown(cancel context.CancelFunc) {
	for id, port := range r.ports {
		kill := Message{Type: TypeKill, Source: NodeRouter, Dest: id}
		select {
		case port <- kill:
		default:
			r.logger.Warn("could not deliver kill, channel full",
				slog.String("dest", id.String()))
		}
	}

	cancel()

	// Keep draining the inbox so a node mid-send cannot block its own
	// teardown.
	stopDrain := make(chan struct{})
	go func() {
		for {
			select {
			case <-r.inbox:
			case <-stopDrain:
				return
			}
		}
	}()

	r.wg.Wait()
	close(stopDrain)

	for _, port := range r.ports {
		close(port)
	}

	r.logger.Info("router stopped")
}

func (r *Router) recordMission(op string, d *mission.Directive) {
	if r.missionLog == nil {
		return
	}
	r.missionLog.MissionEvent(op, d.ID, d.Target)
}
