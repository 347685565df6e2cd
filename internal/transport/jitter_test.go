package transport

import "testing"

func pkt(seq uint16) AudioPacket {
	return AudioPacket{Seq: seq, Payload: []byte{byte(seq)}}
}

func seqs(packets []AudioPacket) []uint16 {
	out := make([]uint16, len(packets))
	for i, p := range packets {
		out[i] = p.Seq
	}
	return out
}

func TestJitterBufferReleasesAtTargetDepth(t *testing.T) {
	b := NewJitterBuffer(3)

	if got := b.Push(pkt(1)); got != nil {
		t.Fatalf("release before target depth: %v", seqs(got))
	}
	if got := b.Push(pkt(2)); got != nil {
		t.Fatalf("release before target depth: %v", seqs(got))
	}
	got := b.Push(pkt(3))
	if len(got) != 3 || got[0].Seq != 1 || got[2].Seq != 3 {
		t.Fatalf("release = %v, want [1 2 3]", seqs(got))
	}
}

func TestJitterBufferReordersOutOfOrderArrival(t *testing.T) {
	b := NewJitterBuffer(3)
	b.Push(pkt(1))
	b.Push(pkt(2))
	b.Push(pkt(3))

	if got := b.Push(pkt(5)); got != nil {
		t.Fatalf("unexpected release: %v", seqs(got))
	}
	if got := b.Push(pkt(6)); got != nil {
		t.Fatalf("unexpected release: %v", seqs(got))
	}
	got := b.Push(pkt(4))
	if len(got) != 3 || got[0].Seq != 4 || got[1].Seq != 5 || got[2].Seq != 6 {
		t.Fatalf("release = %v, want [4 5 6]", seqs(got))
	}
}

func TestJitterBufferSkipsLostPacket(t *testing.T) {
	b := NewJitterBuffer(3)
	b.Push(pkt(1))
	b.Push(pkt(2))
	b.Push(pkt(3))

	// Packet 4 never arrives; at target depth playout skips ahead.
	b.Push(pkt(5))
	b.Push(pkt(6))
	got := b.Push(pkt(7))
	if len(got) != 3 || got[0].Seq != 5 {
		t.Fatalf("release = %v, want [5 6 7]", seqs(got))
	}
}

func TestJitterBufferReordersBeforeFirstRelease(t *testing.T) {
	b := NewJitterBuffer(2)

	// Seq 1 arrives after seq 2 but before anything was released; it must
	// still take its place, not be dropped as late.
	if got := b.Push(pkt(2)); got != nil {
		t.Fatalf("release before target depth: %v", seqs(got))
	}
	got := b.Push(pkt(1))
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("release = %v, want [1 2]", seqs(got))
	}
}

func TestJitterBufferDropsLatePacketAfterFlush(t *testing.T) {
	b := NewJitterBuffer(4)
	b.Push(pkt(5))
	b.Push(pkt(6))
	b.Flush()

	if got := b.Push(pkt(4)); got != nil {
		t.Fatalf("late packet released after flush: %v", seqs(got))
	}
	if b.Len() != 0 {
		t.Fatalf("late packet buffered after flush")
	}
}

func TestJitterBufferDropsLatePacket(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(pkt(10))
	b.Push(pkt(11)) // releases 10, 11

	if got := b.Push(pkt(9)); got != nil {
		t.Fatalf("late packet released: %v", seqs(got))
	}
	if b.Len() != 0 {
		t.Fatalf("late packet buffered")
	}
}

func TestJitterBufferSequenceWraparound(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(pkt(65535))
	got := b.Push(pkt(0))
	if len(got) != 2 || got[0].Seq != 65535 || got[1].Seq != 0 {
		t.Fatalf("release = %v, want [65535 0]", seqs(got))
	}
}

func TestJitterBufferFlush(t *testing.T) {
	b := NewJitterBuffer(4)
	b.Push(pkt(2))
	b.Push(pkt(1))

	got := b.Flush()
	if len(got) != 2 || got[0].Seq != 1 || got[1].Seq != 2 {
		t.Fatalf("Flush() = %v, want [1 2]", seqs(got))
	}
	if b.Len() != 0 {
		t.Fatalf("buffer not empty after flush")
	}
}
