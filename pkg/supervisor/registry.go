// Package supervisor holds the sparse, index-stable mirror registry and the
// lazily-created Source peer, and is the sole owner of both (§4.5). It is
// generalized from the teacher's MultiCameraRelay
// (gtfodev-camsRelay/pkg/relay/multi_relay.go): the same lock-guarded
// collection, the same "slow work happens outside the lock" two-pass shape
// in createRelayForStream, but keyed by stable slot index instead of camera
// id, because the spec's list() contract requires indices that never shift.
package supervisor

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/mirror"
	"github.com/relaymirror/relaymirror/pkg/sourcepeer"
)

// Slot holds one mirror's session and its cancellation handle. A nil Slot
// pointer in Registry.slots is a freed or never-filled position.
type Slot struct {
	session *mirror.Session
	cancel  context.CancelFunc
}

// Registry is the supervisor's mirror list plus the singleton Source peer.
type Registry struct {
	mu    sync.RWMutex
	slots []*Slot

	hub *fanout.Hub
	log zerolog.Logger

	source *sourcepeer.Peer
}

// New returns an empty Registry publishing Source media onto hub.
func New(hub *fanout.Hub, log zerolog.Logger) *Registry {
	return &Registry{
		hub: hub,
		log: log.With().Str("component", "supervisor").Logger(),
	}
}

// List returns a snapshot of the current slots in index order; a nil entry
// marks a freed or never-filled slot, per §6 GET /api/mirrors.
func (r *Registry) List() []*Slot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// AttachSource creates the SourceSession if none exists, or replaces the
// existing one, returning the WHIP SDP answer. Replacement preserves every
// mirror slot; mirrors observe SourceDetached then SourceAttached via the
// hub and re-enter the keyframe-wait substate on their own.
func (r *Registry) AttachSource(ctx context.Context, offerSDP string) (answer string, id string, err error) {
	peer, err := sourcepeer.New(r.hub, r.log)
	if err != nil {
		return "", "", err
	}

	answer, err = peer.Answer(ctx, offerSDP)
	if err != nil {
		_ = peer.Close()
		return "", "", err
	}

	r.mu.Lock()
	old := r.source
	r.source = peer
	r.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}

	return answer, peer.ID, nil
}

// DetachSourceByID tears down the current Source if its id matches id,
// reporting whether a matching source was found, for the HTTP layer's
// DELETE /whip/<id>.
func (r *Registry) DetachSourceByID(id string) (bool, error) {
	r.mu.Lock()
	if r.source == nil || r.source.ID != id {
		r.mu.Unlock()
		return false, nil
	}
	src := r.source
	r.source = nil
	r.mu.Unlock()

	return true, src.Close()
}

// DetachSource tears down the current Source, if any.
func (r *Registry) DetachSource() error {
	r.mu.Lock()
	src := r.source
	r.source = nil
	r.mu.Unlock()

	if src == nil {
		return nil
	}
	return src.Close()
}

// SourceID returns the current Source peer's id, if one is attached.
func (r *Registry) SourceID() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.source == nil {
		return "", false
	}
	return r.source.ID, true
}

// Create starts a mirror session against creds, streaming human-readable
// progress lines to progress as the signalling machine advances; the final
// line is "success" or a short error phrase (§4.5). The slot is reserved
// (with a placeholder) and filled with the new session before the slow
// handshake runs, and freed if the handshake fails, mirroring
// createRelayForStream's lock/unlock-around-slow-work shape.
func (r *Registry) Create(ctx context.Context, gatewayURL string, creds mirror.Credentials, progress func(string)) (int, error) {
	idx := r.reserveSlot()

	session := mirror.NewSession(creds, r.hub, r.log)
	sessCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.slots[idx] = &Slot{session: session, cancel: cancel}
	r.mu.Unlock()

	err := session.Run(sessCtx, gatewayURL, progress)
	if err != nil {
		r.freeSlot(idx)
		_ = session.Close()
		cancel()
		return -1, err
	}

	return idx, nil
}

// reserveSlot finds the first nil slot, reusing it, or appends a new one,
// and marks it with a non-nil placeholder so concurrent Create calls don't
// race for the same index.
func (r *Registry) reserveSlot() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.slots {
		if s == nil {
			r.slots[i] = &Slot{}
			return i
		}
	}
	r.slots = append(r.slots, &Slot{})
	return len(r.slots) - 1
}

func (r *Registry) freeSlot(idx int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx >= 0 && idx < len(r.slots) {
		r.slots[idx] = nil
	}
}

// Delete tears down the mirror at idx; idempotent, per §4.5. Deleting an
// out-of-range or already-empty slot is not an error.
func (r *Registry) Delete(idx int) error {
	r.mu.Lock()
	if idx < 0 || idx >= len(r.slots) || r.slots[idx] == nil {
		r.mu.Unlock()
		return nil
	}
	slot := r.slots[idx]
	r.slots[idx] = nil
	r.mu.Unlock()

	if slot.cancel != nil {
		slot.cancel()
	}
	if slot.session == nil {
		return nil
	}
	return slot.session.Close()
}

// Exists reports whether idx names a currently-filled slot, for the HTTP
// layer's 404-on-absent-delete mapping.
func (r *Registry) Exists(idx int) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return idx >= 0 && idx < len(r.slots) && r.slots[idx] != nil
}

// Shutdown tears down every mirror and the Source, used at process exit.
func (r *Registry) Shutdown() error {
	r.mu.Lock()
	slots := make([]*Slot, len(r.slots))
	copy(slots, r.slots)
	for i := range r.slots {
		r.slots[i] = nil
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, slot := range slots {
		if slot == nil {
			continue
		}
		wg.Add(1)
		go func(s *Slot) {
			defer wg.Done()
			if s.cancel != nil {
				s.cancel()
			}
			if s.session != nil {
				if err := s.session.Close(); err != nil {
					r.log.Error().Err(err).Msg("error closing mirror during shutdown")
				}
			}
		}(slot)
	}
	wg.Wait()

	return r.DetachSource()
}
