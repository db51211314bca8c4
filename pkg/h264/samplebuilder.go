package h264

import (
	"container/heap"
)

// Packet is the minimal view of an RTP packet the SampleBuilder needs. It
// decouples this package from pion/rtp so it can be unit tested with plain
// literals; callers feed it from a *rtp.Packet's header fields and payload.
type Packet struct {
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	Payload        []byte
}

// Sample is one reassembled H.264 access unit: the concatenation, in
// decoding order, of every Annex-B NAL unit that shared an RTP timestamp.
type Sample struct {
	Data      []byte
	Timestamp uint32
	Keyframe  bool
}

// defaultWindow bounds how many out-of-order packets the builder holds
// while waiting for a gap to fill, before concluding the missing packet is
// gone for good. Grounded on the teacher's pkg/nest/queue.go ticketHeap: a
// container/heap ordered by priority there, by RTP sequence number here.
const defaultWindow = 64

type pendingEntry struct {
	pkt   Packet
	index int
}

type pendingHeap []*pendingEntry

func (h pendingHeap) Len() int { return len(h) }
func (h pendingHeap) Less(i, j int) bool {
	return seqLess(h[i].pkt.SequenceNumber, h[j].pkt.SequenceNumber)
}
func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pendingHeap) Push(x any) {
	e := x.(*pendingEntry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// seqLess compares RTP sequence numbers with wraparound awareness: a is
// "less than" b if stepping forward from a by fewer than 2^15 steps reaches b.
func seqLess(a, b uint16) bool {
	return int16(a-b) < 0
}

// SampleBuilder reassembles RTP packets, consumed in arrival order (which
// may be out of order on the wire), into complete H.264 access units. It
// implements spec §4.1's four responsibilities: reorder within a bounded
// window, detect loss from sequence gaps, group packets by RTP timestamp,
// and close a sample on the marker bit or on the arrival of a later
// timestamp. A sample with a detected gap is dropped, never emitted
// partially, satisfying the "no sample with missing fragments" invariant.
type SampleBuilder struct {
	depkt    *Depacketizer
	window   int
	pending  pendingHeap
	seen     map[uint16]struct{}
	haveSeq  bool
	wantSeq  uint16

	haveSample bool
	curTS      uint32
	curData    []byte
	curBroken  bool
	curKey     bool

	LossCount int
}

// NewSampleBuilder returns a SampleBuilder with the default reorder window.
func NewSampleBuilder() *SampleBuilder {
	return NewSampleBuilderWindow(defaultWindow)
}

// NewSampleBuilderWindow returns a SampleBuilder with an explicit reorder window.
func NewSampleBuilderWindow(window int) *SampleBuilder {
	return &SampleBuilder{
		depkt:  NewDepacketizer(),
		window: window,
		seen:   make(map[uint16]struct{}),
	}
}

// Push admits one RTP packet and returns any samples it completes.
// Ordinarily this is zero or one sample, but a single packet can complete
// two: the previous access unit via a timestamp-boundary close, and then
// immediately the new one-packet access unit it starts via its own marker
// bit. Both are returned, in order; a forced window eviction can also
// surface zero (the evicted sample is simply dropped, not returned).
func (b *SampleBuilder) Push(pkt Packet) []Sample {
	if _, dup := b.seen[pkt.SequenceNumber]; dup {
		return nil
	}
	if b.haveSeq && seqLess(pkt.SequenceNumber, b.wantSeq) {
		return nil // duplicate of, or too late for, a packet already passed
	}

	b.seen[pkt.SequenceNumber] = struct{}{}
	heap.Push(&b.pending, &pendingEntry{pkt: pkt})

	if !b.haveSeq {
		// Hold the opening packets until a marker or a full window, so one
		// that arrives after a later-numbered packet is still placed first.
		if !pkt.Marker && b.pending.Len() < b.window {
			return nil
		}
		b.wantSeq, b.haveSeq = b.pending[0].pkt.SequenceNumber, true
	}

	var out []Sample
	for b.pending.Len() > 0 {
		top := b.pending[0].pkt

		switch {
		case top.SequenceNumber == b.wantSeq:
			heap.Pop(&b.pending)
			delete(b.seen, top.SequenceNumber)
			out = append(out, b.consume(top)...)
			b.wantSeq++

		case b.pending.Len() >= b.window:
			// Window exhausted: the gap between wantSeq and top will never
			// fill. Abandon whatever sample was accumulating and resync.
			b.abandon()
			b.wantSeq = top.SequenceNumber

		default:
			return out
		}
	}
	return out
}

// consume feeds one in-order packet through the depacketiser and folds its
// NAL units into the current access unit, closing it on marker or on a
// timestamp boundary. Both closes are reported: a packet can both finish
// the previous access unit (timestamp boundary) and finish its own,
// newly-started one (its own marker bit), and dropping either would lose a
// complete, undamaged access unit.
func (b *SampleBuilder) consume(pkt Packet) []Sample {
	var out []Sample

	if b.haveSample && pkt.Timestamp != b.curTS {
		// A new access unit has started arriving: the previous one will
		// never see its marker now. Close it if it wasn't already broken.
		if s, ok := b.close(); ok {
			out = append(out, s)
		}
	}

	if !b.haveSample {
		b.haveSample = true
		b.curTS = pkt.Timestamp
		b.curData = b.curData[:0]
		b.curBroken = false
		b.curKey = false
	}

	nalus, err := b.depkt.Depacketize(pkt.SequenceNumber, pkt.Payload)
	if err != nil {
		if !b.curBroken {
			b.curBroken = true
			b.LossCount++
		}
	}
	for _, n := range nalus {
		b.curData = append(b.curData, n...)
		if IsKeyframeNAL(n) {
			b.curKey = true
		}
	}

	if pkt.Marker {
		if s, ok := b.close(); ok {
			out = append(out, s)
		}
	}

	return out
}

// close finalizes the in-progress sample, if any, and clears builder state.
// A broken (gap-containing) sample is dropped rather than returned; loss was
// already counted at the point the gap was detected, so this does not
// double-count it.
func (b *SampleBuilder) close() (Sample, bool) {
	if !b.haveSample {
		return Sample{}, false
	}
	broken := b.curBroken
	s := Sample{Data: append([]byte(nil), b.curData...), Timestamp: b.curTS, Keyframe: b.curKey}
	b.haveSample = false
	b.curData = b.curData[:0]

	if broken {
		return Sample{}, false
	}
	return s, true
}

// abandon marks the in-progress sample (if any) as broken without closing
// it, used when the reorder window forces a resync past a gap. The sample
// stays open (same curTS) so a same-timestamp packet arriving right after
// the resync still gets folded into it and dropped as broken, rather than
// starting a deceptively "clean" sample that never saw the skipped packet.
func (b *SampleBuilder) abandon() {
	if b.haveSample && !b.curBroken {
		b.curBroken = true
		b.LossCount++
	}
	b.curData = b.curData[:0]
}
