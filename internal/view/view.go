package view

import (
	"slices"
	"sync"

	"bftcomm/internal/crypto"
	"bftcomm/internal/proto"
)

// Controller is the replica's picture of the current view: who is a
// member, where they listen, and which keys sign for them.
type Controller struct {
	mu      sync.RWMutex
	self    proto.ReplicaID
	ttp     proto.ReplicaID
	members []proto.ReplicaID
	hosts   map[proto.ReplicaID]string
	keys    map[proto.ReplicaID][]byte
	sigAlg  string
}

type Options struct {
	Self       proto.ReplicaID
	TTP        proto.ReplicaID
	Members    []proto.ReplicaID
	Hosts      map[proto.ReplicaID]string
	PublicKeys map[proto.ReplicaID][]byte
	// SignatureAlgorithm names the scheme every replica signs with.
	SignatureAlgorithm string
}

func New(opts Options) *Controller {
	c := &Controller{
		self:   opts.Self,
		ttp:    opts.TTP,
		hosts:  make(map[proto.ReplicaID]string),
		keys:   make(map[proto.ReplicaID][]byte),
		sigAlg: opts.SignatureAlgorithm,
	}
	if c.sigAlg == "" {
		c.sigAlg = crypto.SigEd25519
	}
	c.members = normalize(opts.Members)
	for id, addr := range opts.Hosts {
		c.hosts[id] = addr
	}
	for id, pub := range opts.PublicKeys {
		c.keys[id] = append([]byte(nil), pub...)
	}
	return c
}

func normalize(ids []proto.ReplicaID) []proto.ReplicaID {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func (c *Controller) Self() proto.ReplicaID { return c.self }

func (c *Controller) TTPID() proto.ReplicaID { return c.ttp }

func (c *Controller) IsInCurrentView() bool {
	return c.IsCurrentViewMember(c.self)
}

func (c *Controller) IsCurrentViewMember(id proto.ReplicaID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, found := slices.BinarySearch(c.members, id)
	return found
}

// CurrentViewAcceptors returns the members in ascending order.
func (c *Controller) CurrentViewAcceptors() []proto.ReplicaID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.members)
}

// SetMembers installs a new view.
func (c *Controller) SetMembers(ids []proto.ReplicaID) {
	members := normalize(ids)
	c.mu.Lock()
	c.members = members
	c.mu.Unlock()
}

func (c *Controller) Address(id proto.ReplicaID) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	addr, ok := c.hosts[id]
	return addr, ok && addr != ""
}

func (c *Controller) PublicKey(id proto.ReplicaID) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pub, ok := c.keys[id]
	return pub, ok && len(pub) > 0
}

func (c *Controller) SetPublicKey(id proto.ReplicaID, pub []byte) {
	c.mu.Lock()
	c.keys[id] = append([]byte(nil), pub...)
	c.mu.Unlock()
}

// VerifySignature checks sig over msg against the key registered for id.
func (c *Controller) VerifySignature(id proto.ReplicaID, msg, sig []byte) bool {
	pub, ok := c.PublicKey(id)
	if !ok {
		return false
	}
	return crypto.Verify(c.sigAlg, pub, msg, sig)
}
