package main

import (
	"sync"

	"bftcomm/internal/debuglog"
	"bftcomm/internal/proto"
)

// logSink stands in for the consensus layer: it logs whatever the
// dispatcher routes to it.
type logSink struct {
	me proto.ReplicaID

	mu        sync.Mutex
	delivered map[proto.ReplicaID]int
}

func newLogSink(me proto.ReplicaID) *logSink {
	return &logSink{me: me, delivered: make(map[proto.ReplicaID]int)}
}

func (s *logSink) Deliver(cm *proto.ConsensusMessage) {
	s.mu.Lock()
	s.delivered[cm.Sender]++
	n := s.delivered[cm.Sender]
	s.mu.Unlock()
	debuglog.Logf("replica %d: delivered %s value=%q (%d from %d)", s.me, cm, cm.Value, n, cm.Sender)
}

func (s *logSink) Count(from proto.ReplicaID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[from]
}

func (s *logSink) DeliverTimeoutRequest(lc *proto.LeaderChangeMessage) {
	debuglog.Logf("replica %d: leader change %s regency %d from %d", s.me, lc.Phase, lc.Regency, lc.Sender)
}

func (s *logSink) RunLeaderChangeProtocol() {
	debuglog.Logf("replica %d: local request timeout, starting leader change", s.me)
}

func (s *logSink) SMRequestDeliver(sm *proto.StateManagementMessage, bft bool) {
	debuglog.Logf("replica %d: state request cid=%d from %d (bft=%v)", s.me, sm.CID, sm.Sender, bft)
}

func (s *logSink) SMReplyDeliver(sm *proto.StateManagementMessage, bft bool) {
	debuglog.Logf("replica %d: state reply cid=%d from %d (bft=%v)", s.me, sm.CID, sm.Sender, bft)
}

func (s *logSink) CurrentConsensusIDAsked(sender proto.ReplicaID) {
	debuglog.Logf("replica %d: %d asked for the current consensus id", s.me, sender)
}

func (s *logSink) CurrentConsensusIDReceived(sm *proto.StateManagementMessage) {
	debuglog.Logf("replica %d: %d reports consensus id %d", s.me, sm.Sender, sm.CID)
}

func (s *logSink) StateTimeout() {
	debuglog.Logf("replica %d: state transfer timeout", s.me)
}

func (s *logSink) RequestReceived(req *proto.ClientRequest) {
	debuglog.Logf("replica %d: forwarded request client=%d seq=%d", s.me, req.ClientID, req.Sequence)
}
