package proto

import "fmt"

// ReplicaID identifies a process in the replicated service. The trusted
// third party used for reconfiguration is addressed with the same type.
type ReplicaID int32

const NoReplica ReplicaID = -1

type Kind string

const (
	KindConsensus       Kind = "consensus"
	KindLeaderChange    Kind = "leader_change"
	KindForwarded       Kind = "forwarded"
	KindStateManagement Kind = "state"
	KindTree            Kind = "tree"
	KindForwardTree     Kind = "forward_tree"
)

// SystemMessage is the closed set of messages exchanged between replicas.
type SystemMessage interface {
	Kind() Kind
	Header() *Envelope
}

// Envelope carries the fields shared by every SystemMessage. Authenticated
// is receiver-local state and never crosses the wire.
type Envelope struct {
	Type          Kind      `json:"type"`
	Sender        ReplicaID `json:"sender"`
	Authenticated bool      `json:"-"`
}

func (e *Envelope) Header() *Envelope { return e }

type ConsensusType int

const (
	ConsensusPropose ConsensusType = iota + 1
	ConsensusWrite
	ConsensusAccept
)

func (t ConsensusType) String() string {
	switch t {
	case ConsensusPropose:
		return "PROPOSE"
	case ConsensusWrite:
		return "WRITE"
	case ConsensusAccept:
		return "ACCEPT"
	default:
		return fmt.Sprintf("CONSENSUS(%d)", int(t))
	}
}

// ConsensusMessage is one phase message of a consensus instance. Proof is
// either empty or a MAC vector keyed by receiver id, attached to ACCEPTs.
type ConsensusMessage struct {
	Envelope
	Phase  ConsensusType        `json:"phase"`
	Number int64                `json:"number"`
	Epoch  int32                `json:"epoch"`
	Value  []byte               `json:"value,omitempty"`
	Proof  map[ReplicaID][]byte `json:"proof,omitempty"`
}

func NewConsensusMessage(phase ConsensusType, number int64, epoch int32, sender ReplicaID, value []byte) *ConsensusMessage {
	return &ConsensusMessage{
		Envelope: Envelope{Type: KindConsensus, Sender: sender},
		Phase:    phase,
		Number:   number,
		Epoch:    epoch,
		Value:    value,
	}
}

func (m *ConsensusMessage) Kind() Kind { return KindConsensus }

// Stripped returns a copy without the proof and without local state.
func (m *ConsensusMessage) Stripped() *ConsensusMessage {
	cp := *m
	cp.Proof = nil
	cp.Authenticated = false
	return &cp
}

func (m *ConsensusMessage) String() string {
	return fmt.Sprintf("%s{cid=%d epoch=%d from=%d}", m.Phase, m.Number, m.Epoch, m.Sender)
}

type LeaderChangeType int

const (
	LCStop LeaderChangeType = iota + 1
	LCStopData
	LCSync
	LCLocal
)

func (t LeaderChangeType) String() string {
	switch t {
	case LCStop:
		return "STOP"
	case LCStopData:
		return "STOPDATA"
	case LCSync:
		return "SYNC"
	default:
		return "LOCAL"
	}
}

// LeaderChangeMessage drives the synchronization phase. TriggerLocally marks
// a message injected by the local timeout machinery.
type LeaderChangeMessage struct {
	Envelope
	Phase          LeaderChangeType `json:"phase"`
	Regency        int32            `json:"regency"`
	Payload        []byte           `json:"payload,omitempty"`
	TriggerLocally bool             `json:"-"`
}

func NewLeaderChangeMessage(phase LeaderChangeType, regency int32, sender ReplicaID, payload []byte) *LeaderChangeMessage {
	return &LeaderChangeMessage{
		Envelope: Envelope{Type: KindLeaderChange, Sender: sender},
		Phase:    phase,
		Regency:  regency,
		Payload:  payload,
	}
}

// NewLocalLeaderChange builds the marker placed on the inbound queue when
// the request timer expires.
func NewLocalLeaderChange(self ReplicaID) *LeaderChangeMessage {
	m := NewLeaderChangeMessage(LCLocal, -1, self, nil)
	m.TriggerLocally = true
	return m
}

func (m *LeaderChangeMessage) Kind() Kind { return KindLeaderChange }

type ClientRequest struct {
	ClientID  int32  `json:"client_id"`
	Sequence  int64  `json:"sequence"`
	Operation []byte `json:"operation,omitempty"`
}

// ForwardedMessage carries a client request relayed from a non-leader.
type ForwardedMessage struct {
	Envelope
	Request *ClientRequest `json:"request"`
}

func NewForwardedMessage(sender ReplicaID, req *ClientRequest) *ForwardedMessage {
	return &ForwardedMessage{
		Envelope: Envelope{Type: KindForwarded, Sender: sender},
		Request:  req,
	}
}

func (m *ForwardedMessage) Kind() Kind { return KindForwarded }

type StateType int

const (
	StateRequest StateType = iota + 1
	StateReply
	StateAskInitial
	StateReplyInitial
)

func (t StateType) String() string {
	switch t {
	case StateRequest:
		return "SM_REQUEST"
	case StateReply:
		return "SM_REPLY"
	case StateAskInitial:
		return "SM_ASK_INITIAL"
	case StateReplyInitial:
		return "SM_REPLY_INITIAL"
	default:
		return fmt.Sprintf("SM(%d)", int(t))
	}
}

type StateManagementMessage struct {
	Envelope
	Phase   StateType `json:"phase"`
	Regency int32     `json:"regency"`
	CID     int64     `json:"cid"`
	State   []byte    `json:"state,omitempty"`
}

func NewStateManagementMessage(phase StateType, sender ReplicaID, cid int64, regency int32, state []byte) *StateManagementMessage {
	return &StateManagementMessage{
		Envelope: Envelope{Type: KindStateManagement, Sender: sender},
		Phase:    phase,
		Regency:  regency,
		CID:      cid,
		State:    state,
	}
}

func (m *StateManagementMessage) Kind() Kind { return KindStateManagement }

type TreeOp int

const (
	TreeInit TreeOp = iota + 1
	TreeM
	TreeAlready
	TreeParent
	TreeFinished
	TreeReconfig
	TreeStatic
)

func (op TreeOp) String() string {
	switch op {
	case TreeInit:
		return "INIT"
	case TreeM:
		return "M"
	case TreeAlready:
		return "ALREADY"
	case TreeParent:
		return "PARENT"
	case TreeFinished:
		return "FINISHED"
	case TreeReconfig:
		return "RECONFIG"
	case TreeStatic:
		return "STATIC_TREE"
	default:
		return fmt.Sprintf("TREE(%d)", int(op))
	}
}

// TreeMessage is a control message of the dissemination overlay. Root names
// the tree the message belongs to.
type TreeMessage struct {
	Envelope
	Op   TreeOp    `json:"op"`
	Root ReplicaID `json:"root"`
}

func NewTreeMessage(op TreeOp, sender, root ReplicaID) *TreeMessage {
	return &TreeMessage{
		Envelope: Envelope{Type: KindTree, Sender: sender},
		Op:       op,
		Root:     root,
	}
}

func (m *TreeMessage) Kind() Kind { return KindTree }

// ForwardTree wraps a signed ConsensusMessage relayed over the overlay.
// Sender is the relaying replica; the originator is Message.Sender.
type ForwardTree struct {
	Envelope
	Signature []byte            `json:"sig"`
	Message   *ConsensusMessage `json:"cm"`
}

func NewForwardTree(relay ReplicaID, cm *ConsensusMessage, sig []byte) *ForwardTree {
	return &ForwardTree{
		Envelope:  Envelope{Type: KindForwardTree, Sender: relay},
		Signature: sig,
		Message:   cm,
	}
}

func (m *ForwardTree) Kind() Kind { return KindForwardTree }
