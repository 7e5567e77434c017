package tree

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bftcomm/internal/config"
	"bftcomm/internal/crypto"
	"bftcomm/internal/debuglog"
	"bftcomm/internal/metrics"
	"bftcomm/internal/proto"
)

// Membership is the part of the view the relay needs.
type Membership interface {
	Self() proto.ReplicaID
	CurrentViewAcceptors() []proto.ReplicaID
}

// Sender is satisfied by comm.Manager.
type Sender interface {
	Send(targets []proto.ReplicaID, msg proto.SystemMessage, useMAC bool)
}

type Options struct {
	View      Membership
	Signer    crypto.Signer
	Sender    Sender
	Mode      string
	Branching int
	DedupCap  int
	DedupTTL  time.Duration
	Metrics   *metrics.Metrics
}

// Relay disseminates consensus messages over one spanning tree per
// originating replica. Relayed messages keep the originator's signature so
// every hop can check authorship.
type Relay struct {
	me      proto.ReplicaID
	view    Membership
	signer  crypto.Signer
	sender  Sender
	k       int
	seen    *seenCache
	metrics *metrics.Metrics

	mu     sync.Mutex
	mode   string
	echoes map[proto.ReplicaID]*echoState
}

type outgoing struct {
	to  proto.ReplicaID
	msg proto.SystemMessage
}

func NewRelay(opts Options) *Relay {
	k := opts.Branching
	if k < 1 {
		k = 2
	}
	mode := opts.Mode
	if mode == "" {
		mode = config.TreeModeStatic
	}
	return &Relay{
		me:      opts.View.Self(),
		view:    opts.View,
		signer:  opts.Signer,
		sender:  opts.Sender,
		k:       k,
		seen:    newSeenCache(opts.DedupCap, opts.DedupTTL),
		metrics: opts.Metrics,
		mode:    mode,
		echoes:  make(map[proto.ReplicaID]*echoState),
	}
}

// Broadcast signs cm, hands it to the children of the local tree and
// delivers it locally.
func (r *Relay) Broadcast(cm *proto.ConsensusMessage) error {
	if cm == nil {
		return nil
	}
	if cm.Sender != r.me {
		return fmt.Errorf("tree: broadcast of message from %d by %d", cm.Sender, r.me)
	}
	sig, err := r.signer.Sign(proto.CanonicalConsensusBytes(cm))
	if err != nil {
		return fmt.Errorf("tree: sign: %w", err)
	}
	r.seen.CheckAndAdd(keyOf(cm))
	if children := r.Children(r.me); len(children) > 0 {
		r.sender.Send(children, proto.NewForwardTree(r.me, cm, sig), true)
	}
	r.sender.Send([]proto.ReplicaID{r.me}, cm, false)
	return nil
}

// Forward passes a verified ForwardTree on to the children of the
// originator's tree. Local delivery is the dispatcher's job.
func (r *Relay) Forward(fwd *proto.ForwardTree) {
	if fwd == nil || fwd.Message == nil {
		return
	}
	cm := fwd.Message
	if r.seen.CheckAndAdd(keyOf(cm)) {
		r.metrics.IncDrop(metrics.DropDuplicate, int32(fwd.Sender))
		return
	}
	var targets []proto.ReplicaID
	for _, id := range r.Children(cm.Sender) {
		if id == r.me || id == fwd.Sender || id == cm.Sender {
			continue
		}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return
	}
	copied := *cm
	copied.Authenticated = false
	r.sender.Send(targets, proto.NewForwardTree(r.me, &copied, fwd.Signature), true)
	r.metrics.IncTreeRelayed()
	debuglog.Debugf("replica %d: relayed %s from %d to %v", r.me, cm.Phase, cm.Sender, targets)
}

// Children returns the replicas this replica forwards to in the tree rooted
// at root. An unfinished dynamic tree falls back to the static layout.
func (r *Relay) Children(root proto.ReplicaID) []proto.ReplicaID {
	r.mu.Lock()
	if r.mode == config.TreeModeDynamic {
		if p, ok := r.echoes[root]; ok && p.done {
			out := p.childList()
			r.mu.Unlock()
			return out
		}
	}
	r.mu.Unlock()
	_, children, _ := staticPosition(r.view.CurrentViewAcceptors(), root, r.me, r.k)
	return children
}

// Parent returns the parent of this replica in the tree rooted at root, or
// proto.NoReplica at the root or outside the view.
func (r *Relay) Parent(root proto.ReplicaID) proto.ReplicaID {
	r.mu.Lock()
	if r.mode == config.TreeModeDynamic {
		if p, ok := r.echoes[root]; ok && p.done {
			parent := p.parent
			r.mu.Unlock()
			if parent == r.me {
				return proto.NoReplica
			}
			return parent
		}
	}
	r.mu.Unlock()
	parent, _, _ := staticPosition(r.view.CurrentViewAcceptors(), root, r.me, r.k)
	return parent
}

func (r *Relay) Mode() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Complete reports whether the dynamic tree rooted at root has finished
// construction at this replica.
func (r *Relay) Complete(root proto.ReplicaID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.echoes[root]
	return ok && p.done
}

// CreateStaticTree discards dynamic state and switches to the
// configuration-derived layout.
func (r *Relay) CreateStaticTree() {
	r.mu.Lock()
	r.mode = config.TreeModeStatic
	r.echoes = make(map[proto.ReplicaID]*echoState)
	r.mu.Unlock()
	debuglog.Logf("replica %d: static tree created\n%s", r.me, r.String())
}

// InitProtocol starts dynamic construction of the tree rooted here. A
// repeated INIT while a construction exists is ignored.
func (r *Relay) InitProtocol() {
	r.mu.Lock()
	r.mode = config.TreeModeDynamic
	if p, ok := r.echoes[r.me]; ok && p.parent == r.me {
		r.mu.Unlock()
		return
	}
	p := newEchoState()
	p.parent = r.me
	p.candidates = r.candidates(r.me)
	r.echoes[r.me] = p
	out := r.solicitLocked(r.me, p)
	out = append(out, r.finishLocked(r.me, p)...)
	r.mu.Unlock()
	r.flush(out)
}

// ReceivedM adopts the first sender of M as parent and starts looking for
// children of its own.
func (r *Relay) ReceivedM(tm *proto.TreeMessage) {
	if tm == nil {
		return
	}
	r.mu.Lock()
	var out []outgoing
	p := r.echoes[tm.Root]
	switch {
	case tm.Root == r.me || tm.Sender == r.me:
		out = append(out, outgoing{to: tm.Sender, msg: proto.NewTreeMessage(proto.TreeAlready, r.me, tm.Root)})
	case p == nil:
		p = newEchoState()
		p.parent = tm.Sender
		p.candidates = r.candidates(tm.Sender)
		r.echoes[tm.Root] = p
		out = append(out, outgoing{to: tm.Sender, msg: proto.NewTreeMessage(proto.TreeParent, r.me, tm.Root)})
		out = append(out, r.solicitLocked(tm.Root, p)...)
		out = append(out, r.finishLocked(tm.Root, p)...)
	case p.parent == tm.Sender:
		// duplicate M from the parent
	default:
		out = append(out, outgoing{to: tm.Sender, msg: proto.NewTreeMessage(proto.TreeAlready, r.me, tm.Root)})
	}
	r.mu.Unlock()
	r.flush(out)
}

// ReceivedAlready frees the slot held by the sender.
func (r *Relay) ReceivedAlready(tm *proto.TreeMessage) {
	if tm == nil {
		return
	}
	r.mu.Lock()
	var out []outgoing
	if p := r.awaiting(tm); p != nil {
		delete(p.waiting, tm.Sender)
		out = r.solicitLocked(tm.Root, p)
		out = append(out, r.finishLocked(tm.Root, p)...)
	}
	r.mu.Unlock()
	r.flush(out)
}

// ReceivedParent turns an outstanding M into a child.
func (r *Relay) ReceivedParent(tm *proto.TreeMessage) {
	if tm == nil {
		return
	}
	r.mu.Lock()
	var out []outgoing
	if p := r.awaiting(tm); p != nil {
		delete(p.waiting, tm.Sender)
		p.children[tm.Sender] = false
		out = r.solicitLocked(tm.Root, p)
		out = append(out, r.finishLocked(tm.Root, p)...)
	}
	r.mu.Unlock()
	r.flush(out)
}

func (r *Relay) ReceivedFinished(tm *proto.TreeMessage) {
	if tm == nil {
		return
	}
	r.mu.Lock()
	var out []outgoing
	p := r.echoes[tm.Root]
	if p != nil && !p.done {
		if finished, ok := p.children[tm.Sender]; ok && !finished {
			p.children[tm.Sender] = true
			out = r.finishLocked(tm.Root, p)
		}
	}
	r.mu.Unlock()
	r.flush(out)
}

// awaiting returns the unfinished construction that has an outstanding M to the
// sender of tm. Replies nobody asked for are ignored.
func (r *Relay) awaiting(tm *proto.TreeMessage) *echoState {
	p := r.echoes[tm.Root]
	if p == nil || p.done {
		return nil
	}
	if _, ok := p.waiting[tm.Sender]; !ok {
		return nil
	}
	return p
}

// solicitLocked sends M to further candidates while fewer than k
// children are accepted or pending.
func (r *Relay) solicitLocked(root proto.ReplicaID, p *echoState) []outgoing {
	var out []outgoing
	for len(p.children)+len(p.waiting) < r.k && len(p.candidates) > 0 {
		next := p.candidates[0]
		p.candidates = p.candidates[1:]
		p.waiting[next] = struct{}{}
		out = append(out, outgoing{to: next, msg: proto.NewTreeMessage(proto.TreeM, r.me, root)})
	}
	return out
}

// finishLocked marks p done once every M was answered and every child
// subtree reported back, and reports completion to the parent.
func (r *Relay) finishLocked(root proto.ReplicaID, p *echoState) []outgoing {
	if p.done || p.parent == proto.NoReplica || !p.complete() {
		return nil
	}
	p.done = true
	if root == r.me {
		debuglog.Logf("replica %d: dynamic tree complete, children %v", r.me, p.childList())
		return nil
	}
	return []outgoing{{to: p.parent, msg: proto.NewTreeMessage(proto.TreeFinished, r.me, root)}}
}

// candidates lists the view members other than this replica and parent,
// starting after this replica's id so that siblings ask different
// replicas first.
func (r *Relay) candidates(parent proto.ReplicaID) []proto.ReplicaID {
	var out []proto.ReplicaID
	for _, id := range rotate(r.view.CurrentViewAcceptors(), r.me) {
		if id != r.me && id != parent {
			out = append(out, id)
		}
	}
	return out
}

func (r *Relay) flush(out []outgoing) {
	for _, o := range out {
		r.sender.Send([]proto.ReplicaID{o.to}, o.msg, true)
	}
}

// String dumps parent and children for every root in the current view.
func (r *Relay) String() string {
	members := r.view.CurrentViewAcceptors()
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	var b strings.Builder
	fmt.Fprintf(&b, "tree at replica %d (%s, k=%d)", r.me, r.Mode(), r.k)
	for _, root := range members {
		fmt.Fprintf(&b, "\n  root %d: parent %d children %v", root, r.Parent(root), r.Children(root))
	}
	return b.String()
}
