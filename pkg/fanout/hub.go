// Package fanout implements the hub §4.3 describes: the single point
// through which the source peer's RTP frames reach every mirror, with no
// direct reference from either side to the other. It descends from the
// teacher's Pacer (pkg/bridge/pacer.go in gtfodev-camsRelay) generalized
// from one bounded queue into a registry of per-mirror queues, combined
// with the copy-on-write registry idiom of multi_relay.go's
// `relays map[string]*CameraRelay` guarded by sync.RWMutex.
package fanout

import (
	"sync"
	"sync/atomic"

	"github.com/relaymirror/relaymirror/pkg/media"
)

// subscriptionDepth is the bounded per-mirror queue capacity (§4.3).
const subscriptionDepth = 256

// EventKind distinguishes the hub's sideband notifications from frame data.
type EventKind uint8

const (
	EventSourceAttached EventKind = iota
	EventSourceDetached
	EventKeyframeDropped
)

// Event is a sideband notification delivered alongside frame data, used by
// a Mirror to request a PLI or notice source lifecycle changes (§9,
// "route feedback through a separate sideband channel owned by the hub").
type Event struct {
	Kind EventKind
}

// Subscription is one mirror's bounded view onto the hub.
type Subscription struct {
	id       uint64
	frames   chan *media.Frame
	events   chan Event
	dropping atomic.Bool
}

// Frames returns the channel of frames delivered to this subscription.
func (s *Subscription) Frames() <-chan *media.Frame { return s.frames }

// Events returns this subscription's sideband channel.
func (s *Subscription) Events() <-chan Event { return s.events }

// KeyframeRequester forwards a PLI for mediaSSRC to the current Source.
// Registered by the Source peer and invoked by mirrors, so neither side
// holds a direct reference to the other (§9).
type KeyframeRequester func(mediaSSRC uint32) error

// Hub fans one source's frames out to N bounded mirror subscriptions. It
// never blocks the source: the teacher's Pacer falls back to a blocking
// send once its channel is full (applying backpressure to its producer),
// but §4.3 forbids blocking the source, so a full subscription here is
// instead pushed into "dropping" mode until a keyframe resynchronizes it.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64

	videoSSRC atomic.Uint32
	requester KeyframeRequester
}

// New returns an empty Hub.
func New() *Hub {
	return &Hub{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers and returns a new mirror subscription.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		frames: make(chan *media.Frame, subscriptionDepth),
		events: make(chan Event, subscriptionDepth),
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a mirror subscription from the broadcast set. Any
// frames still queued on it remain the caller's responsibility to drain
// and Release.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub.id)
}

// SubscriberCount reports the number of live subscriptions, used by E1's
// "subscriber count 0, no dispatch" assertion.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// AttachSource broadcasts SourceAttached to every current subscription.
func (h *Hub) AttachSource() {
	h.broadcastEvent(Event{Kind: EventSourceAttached})
}

// DetachSource broadcasts SourceDetached to every current subscription.
func (h *Hub) DetachSource() {
	h.broadcastEvent(Event{Kind: EventSourceDetached})
}

// SetKeyframeRequester registers the current Source's PLI entry point. The
// Source calls this once it is ready to accept feedback; mirrors never see
// fn directly, only RequestKeyframe.
func (h *Hub) SetKeyframeRequester(fn KeyframeRequester) {
	h.mu.Lock()
	h.requester = fn
	h.mu.Unlock()
}

// RequestKeyframe asks the current Source (if any) for a keyframe, routed
// through the hub's sideband so a Mirror never references the Source
// directly (§9, §4.4 "synthesises a PLI RTCP feedback packet toward the
// Fan-out hub"). A no-op if no Source has ever registered a requester; once
// one has, it stays registered after that Source detaches.
func (h *Hub) RequestKeyframe() error {
	h.mu.RLock()
	fn := h.requester
	ssrc := h.videoSSRC.Load()
	h.mu.RUnlock()

	if fn == nil {
		return nil
	}
	return fn(ssrc)
}

func (h *Hub) broadcastEvent(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		select {
		case sub.events <- evt:
		default:
		}
	}
}

// Publish fans f out to every current subscription and must never block:
// it takes a read lock only long enough to snapshot the subscriber set,
// then delivers to each one with a non-blocking send.
func (h *Hub) Publish(f *media.Frame) {
	if f.Kind == media.KindVideo {
		h.videoSSRC.Store(f.SSRC)
	}

	h.mu.RLock()
	if len(h.subs) == 0 {
		h.mu.RUnlock()
		return
	}
	subs := make([]*Subscription, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		deliver(sub, f)
	}
}

// deliver implements the slow-consumer policy (§4.3, scenario E5): while a
// subscription is in dropping mode, audio frames keep flowing but video
// frames are skipped until a keyframe frame arrives to resync the
// subscriber. A full queue no longer refuses the new arrival (that would
// only ever grow the subscriber's lag): instead the oldest queued frames
// are evicted from the front until either the new frame has room or the
// queue's head is itself a frame the policy would keep (audio, or a video
// keyframe), and KeyframeDropped fires once per drop episode.
func deliver(sub *Subscription, f *media.Frame) {
	if f.Kind == media.KindVideo && sub.dropping.Load() {
		if !f.Keyframe {
			return
		}
		sub.dropping.Store(false)
	}

	f.Retain()
	if tryEnqueue(sub, f) {
		return
	}

	evictToBoundary(sub)
	if f.Kind == media.KindVideo && sub.dropping.CompareAndSwap(false, true) {
		select {
		case sub.events <- Event{Kind: EventKeyframeDropped}:
		default:
		}
	}

	if !tryEnqueue(sub, f) {
		f.Release()
	}
}

func tryEnqueue(sub *Subscription, f *media.Frame) bool {
	select {
	case sub.frames <- f:
		return true
	default:
		return false
	}
}

// evictToBoundary drains the subscription's queued frames and re-enqueues
// them, discarding any leading run of non-keyframe video frames so the
// queue's head becomes (at most) the first audio frame or video keyframe
// it still held. It only inspects the snapshot length taken at entry, so
// a concurrent consumer draining the same channel is never double-counted.
func evictToBoundary(sub *Subscription) {
	n := len(sub.frames)
	kept := make([]*media.Frame, 0, n)
	boundary := false

	for i := 0; i < n; i++ {
		var fr *media.Frame
		select {
		case fr = <-sub.frames:
		default:
			// A concurrent reader already drained past our snapshot.
		}
		if fr == nil {
			break
		}

		if !boundary && fr.Kind == media.KindVideo && !fr.Keyframe {
			fr.Release()
			continue
		}
		boundary = true
		kept = append(kept, fr)
	}

	for _, fr := range kept {
		if !tryEnqueue(sub, fr) {
			fr.Release()
		}
	}
}
