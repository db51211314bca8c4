// Package mirror implements the per-mirror WebRTC session against the
// external chat service's signalling socket (§4.4): the opcode state
// machine, heartbeats with resume, the "Go Live" stream sub-session, and
// the SSRC/sequence rewriting that turns hub frames into this mirror's own
// outbound RTP. The gateway/dispatch shape is grounded on the
// channel-per-message-class reader loop of
// other_examples/0721dcf2_mattermost-rtcd__service-rtc-session.go; the
// media send path reuses the teacher's Bridge (pkg/bridge/bridge.go in
// gtfodev-camsRelay) pion/webrtc session idiom, generalized to a
// dynamically negotiated SDP answer from the chat service instead of a
// fixed Cloudflare endpoint.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaymirror/relaymirror/pkg/errkind"
)

// Opcodes are symbolic, per spec §4.4.
const (
	OpDispatch = iota
	OpHeartbeat
	OpIdentify
	OpVoiceStateUpdate
	OpVoiceServerUpdate
	OpSelectProtocol
	OpSessionDescription
	OpSpeaking
	OpStreamCreate
	OpStreamDelete
	OpResume
	OpHello
	OpHeartbeatACK
	OpInvalidSession
)

// Dispatch event names carried in Envelope.T when Op == OpDispatch.
const (
	EventReady             = "READY"
	EventVoiceStateUpdate   = "VOICE_STATE_UPDATE"
	EventVoiceServerUpdate  = "VOICE_SERVER_UPDATE"
	EventStreamCreate       = "STREAM_CREATE"
)

// Envelope is the gateway's wire frame: `{op, d, s, t}` per §4.4.
type Envelope struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
	S  *int            `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// Gateway owns one persistent signalling socket: a single reader goroutine
// dispatching envelopes to a handler, and a write mutex serialising
// outbound frames, matching §5's "single reader task... write mutex"
// ordering guarantee.
type Gateway struct {
	name string
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	seqMu    sync.Mutex
	lastSeq  int
	haveSeq  bool

	heartbeatInterval time.Duration
	missedAcks        atomic.Int32
}

// DialGateway opens a websocket connection to url.
func DialGateway(ctx context.Context, name, url string, log zerolog.Logger) (*Gateway, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errkind.Wrap(errkind.TransportClosed, fmt.Errorf("dial %s gateway: %w", name, err))
	}
	return &Gateway{
		name: name,
		conn: conn,
		log:  log.With().Str("gateway", name).Logger(),
	}, nil
}

// Send serialises and writes one envelope, serialised against concurrent
// writers by writeMu.
func (g *Gateway) Send(op int, t string, d any) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return errkind.Wrap(errkind.Internal, fmt.Errorf("marshal %s payload: %w", t, err))
	}

	env := Envelope{Op: op, D: payload, T: t}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if err := g.conn.WriteJSON(env); err != nil {
		return errkind.Wrap(errkind.TransportClosed, fmt.Errorf("write %s envelope: %w", t, err))
	}
	return nil
}

// ReadLoop runs the gateway's single reader task until the socket closes or
// ctx is cancelled, invoking handler for every envelope received in order.
func (g *Gateway) ReadLoop(ctx context.Context, handler func(Envelope)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var env Envelope
		if err := g.conn.ReadJSON(&env); err != nil {
			return errkind.Wrap(errkind.TransportClosed, fmt.Errorf("%s gateway read: %w", g.name, err))
		}

		if env.S != nil {
			g.seqMu.Lock()
			g.lastSeq = *env.S
			g.haveSeq = true
			g.seqMu.Unlock()
		}

		if env.Op == OpHeartbeatACK {
			g.missedAcks.Store(0)
			continue
		}

		handler(env)
	}
}

// LastSeq returns the last sequence number observed, for Resume/Heartbeat.
func (g *Gateway) LastSeq() (int, bool) {
	g.seqMu.Lock()
	defer g.seqMu.Unlock()
	return g.lastSeq, g.haveSeq
}

// StartHeartbeat runs a heartbeat loop at interval, sending the last
// observed sequence number each beat (§4.4). Two consecutive missed acks
// is surfaced to the caller via the returned channel so it can trigger a
// Resume.
func (g *Gateway) StartHeartbeat(ctx context.Context, interval time.Duration) <-chan struct{} {
	g.heartbeatInterval = interval
	missed := make(chan struct{}, 1)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				seq, _ := g.LastSeq()
				if err := g.Send(OpHeartbeat, "", seq); err != nil {
					return
				}
				if g.missedAcks.Add(1) >= 2 {
					select {
					case missed <- struct{}{}:
					default:
					}
				}
			}
		}
	}()

	return missed
}

// Resume sends a Resume envelope carrying the last sequence number this
// gateway observed, per §4.4's "missing two consecutive acks triggers
// resume (Resume{server_id, session_id, token})".
func (g *Gateway) Resume(serverID int64, sessionID, token string) error {
	seq, _ := g.LastSeq()
	return g.Send(OpResume, "", map[string]any{
		"server_id":  serverID,
		"session_id": sessionID,
		"token":      token,
		"seq":        seq,
	})
}

// Close closes the underlying socket.
func (g *Gateway) Close() error {
	return g.conn.Close()
}
