package proto

import "google.golang.org/protobuf/encoding/protowire"

// CanonicalConsensusBytes is the deterministic encoding of the fields of a
// ConsensusMessage covered by MACs and signatures. Proof and local state
// are excluded.
func CanonicalConsensusBytes(m *ConsensusMessage) []byte {
	b := make([]byte, 0, 32+len(m.Value))
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Phase))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(m.Number))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.Epoch)))
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeZigZag(int64(m.Sender)))
	b = protowire.AppendTag(b, 5, protowire.BytesType)
	b = protowire.AppendBytes(b, m.Value)
	return b
}
