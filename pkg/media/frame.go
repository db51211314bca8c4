// Package media defines the RTPFrame relay unit shared, by reference, from
// the source peer to every mirror subscription. It generalizes the
// teacher's PacedPacket (pkg/bridge/pacer.go in gtfodev-camsRelay) from a
// single-consumer paced queue entry into a refcounted, multi-consumer frame.
package media

import (
	"sync"
	"sync/atomic"
	"time"
)

var payloadPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 1500)
		return &b
	},
}

// Frame is one inbound RTP packet, immutable once produced. It is shared by
// reference count from the source to each mirror subscription per §3's
// RTPFrame contract: the source is the sole producer, each subscriber holds
// a read-only handle, and the last Release frees the backing buffer.
type Frame struct {
	SSRC      uint32
	PayloadType uint8
	Sequence    uint16
	Timestamp   uint32
	Marker      bool
	Kind        Kind
	Keyframe    bool
	Payload     []byte
	ReceivedAt  time.Time

	refs *int32
	buf  *[]byte
}

// Kind distinguishes audio from video frames for slow-consumer drop policy
// (§4.3: drop to an audio packet or a video IDR-leading packet).
type Kind uint8

const (
	KindVideo Kind = iota
	KindAudio
)

// New allocates a Frame from a pooled buffer and copies payload into it,
// with an initial reference count of 1 (the caller's own handle). keyframe
// marks a video frame that carries (or completes) an IDR access unit, used
// by the fan-out hub's slow-consumer recovery policy (§4.3).
func New(ssrc uint32, pt uint8, seq uint16, ts uint32, marker bool, kind Kind, keyframe bool, payload []byte) *Frame {
	bufPtr := payloadPool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	buf = append(buf, payload...)
	*bufPtr = buf

	refs := int32(1)
	return &Frame{
		SSRC:        ssrc,
		PayloadType: pt,
		Sequence:    seq,
		Timestamp:   ts,
		Marker:      marker,
		Kind:        kind,
		Keyframe:    keyframe,
		Payload:     buf,
		ReceivedAt:  time.Now(),
		refs:        &refs,
		buf:         bufPtr,
	}
}

// Retain increments the reference count; call once per additional holder
// (e.g. once per mirror subscription a frame is fanned out to).
func (f *Frame) Retain() {
	atomic.AddInt32(f.refs, 1)
}

// Release decrements the reference count and returns the backing buffer to
// the pool once the last holder releases it.
func (f *Frame) Release() {
	if atomic.AddInt32(f.refs, -1) == 0 {
		payloadPool.Put(f.buf)
	}
}
