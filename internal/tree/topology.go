package tree

import (
	"sort"

	"bftcomm/internal/proto"
)

// staticPosition places me in the k-ary tree rooted at root. members is
// rotated so that root is at index 0; the children of index i are
// k*i+1 .. k*i+k.
func staticPosition(members []proto.ReplicaID, root, me proto.ReplicaID, k int) (parent proto.ReplicaID, children []proto.ReplicaID, ok bool) {
	order := rotate(members, root)
	if order == nil {
		return proto.NoReplica, nil, false
	}
	idx := -1
	for i, id := range order {
		if id == me {
			idx = i
			break
		}
	}
	if idx < 0 {
		return proto.NoReplica, nil, false
	}
	parent = proto.NoReplica
	if idx > 0 {
		parent = order[(idx-1)/k]
	}
	for c := k*idx + 1; c <= k*idx+k && c < len(order); c++ {
		children = append(children, order[c])
	}
	return parent, children, true
}

func rotate(members []proto.ReplicaID, root proto.ReplicaID) []proto.ReplicaID {
	sorted := append([]proto.ReplicaID(nil), members...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	for i, id := range sorted {
		if id == root {
			return append(sorted[i:], sorted[:i]...)
		}
	}
	return nil
}

// echoState is the per-root state of the echo construction. At most k
// candidates are asked at a time and never beyond k children.
type echoState struct {
	parent     proto.ReplicaID
	children   map[proto.ReplicaID]bool // value: subtree finished
	waiting    map[proto.ReplicaID]struct{}
	candidates []proto.ReplicaID
	done       bool
}

func newEchoState() *echoState {
	return &echoState{
		parent:   proto.NoReplica,
		children: make(map[proto.ReplicaID]bool),
		waiting:  make(map[proto.ReplicaID]struct{}),
	}
}

func (p *echoState) complete() bool {
	if len(p.waiting) > 0 {
		return false
	}
	for _, finished := range p.children {
		if !finished {
			return false
		}
	}
	return true
}

func (p *echoState) childList() []proto.ReplicaID {
	out := make([]proto.ReplicaID, 0, len(p.children))
	for id := range p.children {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
