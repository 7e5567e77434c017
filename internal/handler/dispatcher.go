package handler

import (
	"context"
	"sync"
	"time"

	"bftcomm/internal/debuglog"
	"bftcomm/internal/metrics"
	"bftcomm/internal/proto"
)

type Acceptor interface {
	Deliver(cm *proto.ConsensusMessage)
}

type Synchronizer interface {
	DeliverTimeoutRequest(lc *proto.LeaderChangeMessage)
}

type RequestsTimer interface {
	RunLeaderChangeProtocol()
}

type StateManager interface {
	SMRequestDeliver(sm *proto.StateManagementMessage, bft bool)
	SMReplyDeliver(sm *proto.StateManagementMessage, bft bool)
	CurrentConsensusIDAsked(sender proto.ReplicaID)
	CurrentConsensusIDReceived(sm *proto.StateManagementMessage)
	StateTimeout()
}

type RequestIntake interface {
	RequestReceived(req *proto.ClientRequest)
}

// TreeHandler runs the dissemination overlay.
type TreeHandler interface {
	InitProtocol()
	ReceivedM(tm *proto.TreeMessage)
	ReceivedAlready(tm *proto.TreeMessage)
	ReceivedParent(tm *proto.TreeMessage)
	ReceivedFinished(tm *proto.TreeMessage)
	CreateStaticTree()
	Forward(fwd *proto.ForwardTree)
}

// Collaborators are wired after construction because they are built after
// the communication layer that feeds the dispatcher.
type Collaborators struct {
	Acceptor      Acceptor
	Synchronizer  Synchronizer
	RequestsTimer RequestsTimer
	StateManager  StateManager
	Requests      RequestIntake
	Tree          TreeHandler
}

// Dispatcher routes trusted inbound messages to their protocol component.
type Dispatcher struct {
	me      proto.ReplicaID
	auth    *Authenticator
	secure  bool
	bft     bool
	metrics *metrics.Metrics

	mu sync.RWMutex
	c  Collaborators
}

// NewDispatcher builds a dispatcher. secureTransport disables MAC based
// checks, as does running with MACs turned off. bft is handed to the
// state manager with every state request and reply.
func NewDispatcher(me proto.ReplicaID, auth *Authenticator, secureTransport, bft bool, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{me: me, auth: auth, secure: secureTransport, bft: bft, metrics: m}
}

func (d *Dispatcher) Wire(c Collaborators) {
	d.mu.Lock()
	d.c = c
	d.mu.Unlock()
}

func (d *Dispatcher) collaborators() Collaborators {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.c
}

// Run consumes in until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context, in <-chan proto.SystemMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-in:
			d.Dispatch(msg)
		}
	}
}

// Dispatch never returns an error: rejected and unroutable messages are
// logged and counted.
func (d *Dispatcher) Dispatch(msg proto.SystemMessage) {
	if msg == nil {
		return
	}
	if !d.auth.IsTrusted(msg, d.secure) {
		d.metrics.IncDrop(metrics.DropUnauthenticated, int32(msg.Header().Sender))
		return
	}
	c := d.collaborators()
	switch m := msg.(type) {
	case *proto.ConsensusMessage:
		if c.Acceptor == nil {
			d.unrouted(msg, "acceptor")
			return
		}
		c.Acceptor.Deliver(m)
	case *proto.ForwardTree:
		d.dispatchForward(c, m)
	case *proto.LeaderChangeMessage:
		d.dispatchLeaderChange(c, m)
	case *proto.ForwardedMessage:
		if c.Requests == nil {
			d.unrouted(msg, "request intake")
			return
		}
		if m.Request == nil {
			debuglog.Warnf("replica %d: forwarded message from %d carries no request", d.me, m.Sender)
			return
		}
		c.Requests.RequestReceived(m.Request)
	case *proto.StateManagementMessage:
		d.dispatchState(c, m)
	case *proto.TreeMessage:
		d.dispatchTree(c, m)
	default:
		debuglog.Warnf("replica %d: unknown message type %T from %d", d.me, msg, msg.Header().Sender)
		d.metrics.IncDrop(metrics.DropUnknown, int32(msg.Header().Sender))
	}
}

func (d *Dispatcher) dispatchForward(c Collaborators, fwd *proto.ForwardTree) {
	cm := fwd.Message
	cm.Authenticated = true
	if c.Tree != nil {
		c.Tree.Forward(fwd)
	} else {
		d.unrouted(fwd, "tree")
	}
	if c.Acceptor == nil {
		d.unrouted(fwd, "acceptor")
		return
	}
	c.Acceptor.Deliver(cm)
}

func (d *Dispatcher) dispatchLeaderChange(c Collaborators, lc *proto.LeaderChangeMessage) {
	if lc.Regency == -1 && lc.Sender == d.me && lc.TriggerLocally {
		debuglog.Debugf("replica %d: LC_MSG received: type LOCAL, regency -1, from myself", d.me)
	} else {
		debuglog.Debugf("replica %d: LC_MSG received: type %s, regency %d, from %d", d.me, lc.Phase, lc.Regency, lc.Sender)
	}
	if lc.TriggerLocally {
		if c.RequestsTimer == nil {
			d.unrouted(lc, "requests timer")
			return
		}
		c.RequestsTimer.RunLeaderChangeProtocol()
		return
	}
	if c.Synchronizer == nil {
		d.unrouted(lc, "synchronizer")
		return
	}
	c.Synchronizer.DeliverTimeoutRequest(lc)
}

func (d *Dispatcher) dispatchState(c Collaborators, sm *proto.StateManagementMessage) {
	if c.StateManager == nil {
		d.unrouted(sm, "state manager")
		return
	}
	switch sm.Phase {
	case proto.StateRequest:
		c.StateManager.SMRequestDeliver(sm, d.bft)
	case proto.StateReply:
		c.StateManager.SMReplyDeliver(sm, d.bft)
	case proto.StateAskInitial:
		c.StateManager.CurrentConsensusIDAsked(sm.Sender)
	case proto.StateReplyInitial:
		c.StateManager.CurrentConsensusIDReceived(sm)
	default:
		c.StateManager.StateTimeout()
	}
}

func (d *Dispatcher) dispatchTree(c Collaborators, tm *proto.TreeMessage) {
	if c.Tree == nil {
		d.unrouted(tm, "tree")
		return
	}
	switch tm.Op {
	case proto.TreeInit:
		c.Tree.InitProtocol()
	case proto.TreeM:
		c.Tree.ReceivedM(tm)
	case proto.TreeAlready:
		c.Tree.ReceivedAlready(tm)
	case proto.TreeParent:
		c.Tree.ReceivedParent(tm)
	case proto.TreeFinished:
		c.Tree.ReceivedFinished(tm)
	case proto.TreeReconfig:
		debuglog.Logf("replica %d: received tree RECONFIG from %d", d.me, tm.Sender)
	case proto.TreeStatic:
		c.Tree.CreateStaticTree()
	default:
		debuglog.Warnf("replica %d: unknown tree operation %s from %d", d.me, tm.Op, tm.Sender)
		d.metrics.IncDrop(metrics.DropUnknown, int32(tm.Sender))
	}
}

func (d *Dispatcher) unrouted(msg proto.SystemMessage, component string) {
	debuglog.RateLimitedf("unrouted:"+component, 5*time.Second,
		"replica %d: no %s wired, dropping %s from %d", d.me, component, msg.Kind(), msg.Header().Sender)
	d.metrics.IncDrop(metrics.DropNoHandler, int32(msg.Header().Sender))
}
