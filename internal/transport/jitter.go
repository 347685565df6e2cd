package transport

import "sort"

// AudioPacket is one received media frame identified by its RTP sequence
// number.
type AudioPacket struct {
	Seq     uint16
	Payload []byte
}

// JitterBuffer reorders incoming audio packets and releases them once the
// buffer holds the target depth. Capacity is derived from the configured
// buffer target (see Negotiator.JitterCapacity); late packets that arrive
// after their slot was released are dropped.
type JitterBuffer struct {
	capacity int
	pending  []AudioPacket
	nextSeq  uint16
	started  bool
}

func NewJitterBuffer(capacity int) *JitterBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &JitterBuffer{capacity: capacity}
}

// Push inserts a packet and returns any packets that are now ready for
// playout, in sequence order. Until the first release every arrival is
// accepted, however far out of order; lateness only exists relative to a
// sequence that has already been played out.
func (b *JitterBuffer) Push(p AudioPacket) []AudioPacket {
	if b.started && seqBefore(p.Seq, b.nextSeq) {
		// Too late; its playout slot has passed.
		return nil
	}

	b.pending = append(b.pending, p)
	sort.Slice(b.pending, func(i, j int) bool {
		return seqBefore(b.pending[i].Seq, b.pending[j].Seq)
	})

	if len(b.pending) < b.capacity {
		return nil
	}

	// At target depth: release everything contiguous from nextSeq.
	return b.release()
}

// Flush returns all remaining packets in order, for teardown.
func (b *JitterBuffer) Flush() []AudioPacket {
	out := b.pending
	b.pending = nil
	if len(out) > 0 {
		b.started = true
		b.nextSeq = out[len(out)-1].Seq + 1
	}
	return out
}

// Len reports buffered packet count.
func (b *JitterBuffer) Len() int { return len(b.pending) }

func (b *JitterBuffer) release() []AudioPacket {
	if !b.started {
		b.started = true
		b.nextSeq = b.pending[0].Seq
	}

	var out []AudioPacket
	for len(b.pending) > 0 && b.pending[0].Seq == b.nextSeq {
		out = append(out, b.pending[0])
		b.pending = b.pending[1:]
		b.nextSeq++
	}
	// A gap at target depth means the missing packet is declared lost and
	// playout skips ahead rather than stalling.
	if len(out) == 0 && len(b.pending) >= b.capacity {
		b.nextSeq = b.pending[0].Seq
		return b.release()
	}
	return out
}

// seqBefore compares RTP sequence numbers with wraparound.
func seqBefore(a, o uint16) bool {
	return a != o && o-a < 1<<15
}
