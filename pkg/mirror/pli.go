package mirror

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PLIReason ranks why a keyframe was requested (§4.4: entering Streaming,
// detected packet loss, or a subscription lag event), highest urgency first.
type PLIReason int

const (
	ReasonStreamingEntry PLIReason = iota
	ReasonPacketLoss
	ReasonLagEvent
)

func (r PLIReason) String() string {
	switch r {
	case ReasonStreamingEntry:
		return "streaming_entry"
	case ReasonPacketLoss:
		return "packet_loss"
	case ReasonLagEvent:
		return "lag_event"
	default:
		return "unknown"
	}
}

type pliRequest struct {
	reason PLIReason
	at     time.Time
	index  int
}

// pliHeap orders pending requests by urgency (lower PLIReason value first),
// then by arrival time. Grounded on the teacher's pkg/nest/queue.go
// ticketHeap, repurposed from Nest API command priority to keyframe-request
// priority.
type pliHeap []*pliRequest

func (h pliHeap) Len() int { return len(h) }
func (h pliHeap) Less(i, j int) bool {
	if h[i].reason != h[j].reason {
		return h[i].reason < h[j].reason
	}
	return h[i].at.Before(h[j].at)
}
func (h pliHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *pliHeap) Push(x any) {
	r := x.(*pliRequest)
	r.index = len(*h)
	*h = append(*h, r)
}
func (h *pliHeap) Pop() any {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return r
}

// PLIScheduler coalesces keyframe requests from multiple triggers (entry
// into Streaming, packet loss, lag events) down to at most one PLI every
// interval, surfacing the highest-priority reason pending when the gate
// opens.
type PLIScheduler struct {
	mu      sync.Mutex
	pending pliHeap
	limiter *rate.Limiter
}

// NewPLIScheduler returns a scheduler gated to at most one PLI per interval.
func NewPLIScheduler(interval time.Duration) *PLIScheduler {
	return &PLIScheduler{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Request records a keyframe-request trigger and reports whether the gate
// is currently open: if so, the caller should emit a PLI now for the
// returned (highest-priority) reason; otherwise the request is queued, and
// the next Request that finds the gate open reports the highest-priority
// reason pending at that point and clears the queue.
func (s *PLIScheduler) Request(reason PLIReason) (fire bool, effectiveReason PLIReason) {
	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(&s.pending, &pliRequest{reason: reason, at: time.Now()})

	if !s.limiter.Allow() {
		return false, reason
	}

	top := heap.Pop(&s.pending).(*pliRequest)
	s.pending = s.pending[:0]
	return true, top.reason
}
