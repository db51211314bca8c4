package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaymirror/relaymirror/pkg/errkind"
	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/h264"
	"github.com/relaymirror/relaymirror/pkg/media"
)

// State is the mirror's signalling state machine (§4.4).
type State int

const (
	StateDisconnected State = iota
	StateIdentifying
	StateUpdatingVoiceState
	StateVoiceConnecting
	StateSelecting
	StateStreaming
	StateTerminating
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateIdentifying:
		return "identifying"
	case StateUpdatingVoiceState:
		return "updating_voice_state"
	case StateVoiceConnecting:
		return "voice_connecting"
	case StateSelecting:
		return "selecting"
	case StateStreaming:
		return "streaming"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

const (
	phaseTimeout      = 10 * time.Second
	forceCloseTimeout = 2 * time.Second
	mirrorVideoPT     = 96
	mirrorAudioPT     = 111

	// resumeBudget caps recovery attempts at 5/minute per §7's propagation
	// policy before a mirror is marked failed.
	resumeBudget       = 5
	resumeBudgetWindow = time.Minute
)

// Credentials identifies the mirror to the chat service (§3 MirrorSession).
type Credentials struct {
	Token     string
	GuildID   int64
	ChannelID int64
}

// Dispatch/envelope bodies named in §4.4. Field names follow the wire
// contract, not any particular client's naming.
type readyPayload struct {
	SessionID           string `json:"session_id"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms"`
}

type voiceServerPayload struct {
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

type voiceReadyPayload struct {
	SSRC                uint32 `json:"ssrc"`
	IP                  string `json:"ip"`
	Port                int    `json:"port"`
	Modes               []string `json:"modes"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms"`
}

type sessionDescriptionPayload struct {
	AudioCodec string `json:"audio_codec"`
	VideoCodec string `json:"video_codec"`
	SDP        string `json:"sdp"`
}

// streamCreatePayload is the STREAM_CREATE dispatch (§4.4 "Go Live"): a
// second, stream-specific gateway endpoint and credential the mirror
// connects to exactly as it connected the voice gateway.
type streamCreatePayload struct {
	StreamID string `json:"stream_id"`
	UserID   string `json:"user_id"`
	Endpoint string `json:"endpoint"`
	Token    string `json:"token"`
}

// mediaEndpoint bundles one negotiated voice-or-stream leg: its gateway
// socket, its peer connection, and the SSRC the gateway's Ready/Hello
// assigned it.
type mediaEndpoint struct {
	gw   *Gateway
	envs <-chan Envelope
	pc   *webrtc.PeerConnection
	ssrc uint32
}

// Session drives one mirror's full lifecycle: gateway handshake, media
// session negotiation, and the hub-to-repacketiser-to-wire forwarding loop.
// The voice session carries audio; a second "Go Live" stream session,
// negotiated in parallel once Streaming is entered, carries video (§4.4
// step 6). Both legs share the state-machine/heartbeat/resume plumbing via
// negotiateMediaSocket, the generalization SPEC_FULL.md calls for instead of
// duplicating the handshake per leg.
type Session struct {
	creds Credentials
	hub   *fanout.Hub
	log   zerolog.Logger

	mu    sync.Mutex
	state State

	mainGW    *Gateway
	mainEnvs  <-chan Envelope
	sessionID string

	voiceEndpoint string
	voiceToken    string

	// voice and stream are each written exactly once by a different
	// goroutine than their later readers (Close, forwardLoop); atomic
	// pointers avoid relying on an implicit happens-before edge that
	// doesn't exist between unrelated goroutines.
	voice  atomic.Pointer[mediaEndpoint]
	stream atomic.Pointer[mediaEndpoint]

	pli           *PLIScheduler
	backoff       *Backoff
	resumeLimiter *rate.Limiter

	sub *fanout.Subscription

	audioTrack *webrtc.TrackLocalStaticRTP
	audioSeq   uint16

	videoTrack  *webrtc.TrackLocalStaticRTP
	videoRepack *h264.Repacketizer
	streamReady atomic.Bool

	haveAudioTSOffset atomic.Bool
	audioTSOffset     uint32
	haveVideoTSOffset atomic.Bool
	videoTSOffset     uint32

	seenKeyframe bool

	failedErr atomic.Value // error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession constructs an unstarted mirror session subscribed to hub.
func NewSession(creds Credentials, hub *fanout.Hub, log zerolog.Logger) *Session {
	return &Session{
		creds:         creds,
		hub:           hub,
		log:           log.With().Str("component", "mirror").Int64("guild_id", creds.GuildID).Logger(),
		state:         StateDisconnected,
		pli:           NewPLIScheduler(500 * time.Millisecond),
		backoff:       NewBackoff(),
		resumeLimiter: rate.NewLimiter(rate.Every(resumeBudgetWindow/resumeBudget), resumeBudget),
		done:          make(chan struct{}),
	}
}

// Run drives the session to Streaming (or failure) against gatewayURL,
// emitting human-readable progress lines on progress (the Supervisor's
// `create` chunked response, §4.5). It returns once Streaming is reached or
// negotiation fails -- forwarding and the parallel Go Live sub-procedure
// continue in background goroutines bound to ctx, so a caller streaming
// progress to an HTTP response isn't held open for the mirror's entire
// lifetime.
func (s *Session) Run(ctx context.Context, gatewayURL string, progress func(string)) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.identify(ctx, gatewayURL, progress); err != nil {
		progress(err.Error())
		close(s.done)
		return err
	}

	if err := s.updateVoiceState(ctx, progress); err != nil {
		progress(err.Error())
		close(s.done)
		return err
	}

	voiceEP, err := s.connectVoice(ctx, progress)
	if err != nil {
		progress(err.Error())
		close(s.done)
		return err
	}
	s.voice.Store(voiceEP)
	s.audioSeq = uint16(rand.Uint32())

	s.enterStreaming()
	progress("success")

	go s.goLive(ctx)
	go func() {
		defer close(s.done)
		s.forwardLoop(ctx)
	}()

	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	s.log.Info().Str("from", prev.String()).Str("to", st.String()).Msg("mirror state transition")
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailureReason reports the error that marked this session failed (§7), if
// any -- surfaced by the Supervisor's listing as an error tombstone.
func (s *Session) FailureReason() (string, bool) {
	v := s.failedErr.Load()
	if v == nil {
		return "", false
	}
	return v.(error).Error(), true
}

// fail records a terminal error and unwinds the session's background work.
// Used when resume recovery (§7) exhausts its attempt budget or a gateway
// reports an invalid session.
func (s *Session) fail(err error) {
	s.failedErr.CompareAndSwap(nil, err)
	s.log.Error().Err(err).Msg("mirror session failed")
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) identify(ctx context.Context, gatewayURL string, progress func(string)) error {
	s.setState(StateIdentifying)
	progress("connecting to gateway")

	gw, err := DialGateway(ctx, "main", gatewayURL, s.log)
	if err != nil {
		return err
	}
	s.mainGW = gw
	s.mainEnvs = s.readInto(ctx, gw)

	if err := gw.Send(OpIdentify, "", map[string]string{"token": s.creds.Token}); err != nil {
		return err
	}

	env, err := waitFor(ctx, s.mainEnvs, func(e Envelope) bool {
		return e.Op == OpDispatch && e.T == EventReady
	}, phaseTimeout)
	if err != nil {
		return errkind.Wrap(errkind.Timeout, err)
	}

	var ready readyPayload
	if err := json.Unmarshal(env.D, &ready); err != nil {
		return errkind.Wrap(errkind.MalformedSignalling, err)
	}
	s.sessionID = ready.SessionID

	if ready.HeartbeatIntervalMS > 0 {
		missed := gw.StartHeartbeat(ctx, time.Duration(ready.HeartbeatIntervalMS)*time.Millisecond)
		go s.watchHeartbeat(ctx, gw, s.mainEnvs, missed, "main")
	}

	progress("identified")
	return nil
}

func (s *Session) updateVoiceState(ctx context.Context, progress func(string)) error {
	s.setState(StateUpdatingVoiceState)

	if err := s.mainGW.Send(OpVoiceStateUpdate, "", map[string]any{
		"guild_id":   s.creds.GuildID,
		"channel_id": s.creds.ChannelID,
		"self_mute":  false,
		"self_deaf":  false,
		"self_video": false,
	}); err != nil {
		return err
	}

	var gotVoiceState, gotVoiceServer bool
	var vsPayload voiceServerPayload
	var voiceEndpoint, voiceToken string

	deadline := time.After(phaseTimeout)
	for !gotVoiceState || !gotVoiceServer {
		select {
		case env := <-s.mainEnvs:
			if env.Op != OpDispatch {
				continue
			}
			switch env.T {
			case EventVoiceStateUpdate:
				gotVoiceState = true
			case EventVoiceServerUpdate:
				if err := json.Unmarshal(env.D, &vsPayload); err != nil {
					return errkind.Wrap(errkind.MalformedSignalling, err)
				}
				voiceEndpoint, voiceToken = vsPayload.Endpoint, vsPayload.Token
				gotVoiceServer = true
			}
		case <-deadline:
			return errkind.Wrap(errkind.Timeout, fmt.Errorf("voice state/server update timeout"))
		case <-ctx.Done():
			return errkind.Wrap(errkind.TransportClosed, ctx.Err())
		}
	}

	s.voiceEndpoint, s.voiceToken = voiceEndpoint, voiceToken
	progress("voice state updated")
	return nil
}

func (s *Session) connectVoice(ctx context.Context, progress func(string)) (*mediaEndpoint, error) {
	s.setState(StateVoiceConnecting)
	ep, err := s.negotiateMediaSocket(ctx, "voice", s.voiceEndpoint, s.voiceToken, s.setupAudioTrack,
		func() { s.setState(StateSelecting) }, progress)
	if err != nil {
		return nil, err
	}
	s.backoff.Reset()
	return ep, nil
}

// goLive runs the parallel sub-procedure entered alongside Streaming
// (§4.4 step 6): StreamCreate, then a second media socket scoped to the
// stream-specific endpoint carrying the screen-share SDP. From the moment
// it completes, video is written onto the stream session's track instead
// of sitting unsent.
func (s *Session) goLive(ctx context.Context) {
	if err := s.mainGW.Send(OpStreamCreate, "", map[string]any{
		"type":       "guild",
		"guild_id":   s.creds.GuildID,
		"channel_id": s.creds.ChannelID,
	}); err != nil {
		s.log.Warn().Err(err).Msg("stream create send failed")
		return
	}

	env, err := waitFor(ctx, s.mainEnvs, func(e Envelope) bool {
		return e.Op == OpDispatch && e.T == EventStreamCreate
	}, phaseTimeout)
	if err != nil {
		s.log.Warn().Err(err).Msg("stream create dispatch timeout")
		return
	}

	var sc streamCreatePayload
	if err := json.Unmarshal(env.D, &sc); err != nil {
		s.log.Warn().Err(err).Msg("malformed STREAM_CREATE payload")
		return
	}

	ep, err := s.negotiateMediaSocket(ctx, "stream", sc.Endpoint, sc.Token, s.setupVideoTrack, nil, func(string) {})
	if err != nil {
		s.log.Warn().Err(err).Msg("go live media negotiation failed")
		return
	}
	s.stream.Store(ep)

	if err := ep.gw.Send(OpSpeaking, "", map[string]any{"speaking": 2, "delay": 0, "ssrc": ep.ssrc}); err != nil {
		s.log.Warn().Err(err).Msg("stream speaking send failed")
	}

	s.streamReady.Store(true)
	s.log.Info().Msg("go live stream session established")
}

// negotiateMediaSocket performs one full voice/stream leg (§4.4 steps
// 4-5): dial, Identify, wait Hello/Ready, start heartbeat+resume
// monitoring, build an offer advertising whatever local track
// setupTracks adds, gather ICE, SelectProtocol, and install the remote
// answer. onSelecting, if non-nil, fires right before the SelectProtocol
// send -- the one point during this leg that actually corresponds to the
// top-level Selecting state, as opposed to after the whole handshake
// (including the SessionDescription wait) has already completed. The Go
// Live stream leg passes nil: by the time it runs, the top-level state is
// already Streaming and must stay there.
func (s *Session) negotiateMediaSocket(ctx context.Context, kind, endpoint, token string, setupTracks func(*webrtc.PeerConnection) error, onSelecting func(), progress func(string)) (*mediaEndpoint, error) {
	gw, err := DialGateway(ctx, kind, endpoint, s.log)
	if err != nil {
		return nil, err
	}
	envs := s.readInto(ctx, gw)

	if err := gw.Send(OpIdentify, "", map[string]any{
		"server_id":  s.creds.GuildID,
		"session_id": s.sessionID,
		"token":      token,
	}); err != nil {
		return nil, err
	}

	env, err := waitFor(ctx, envs, func(e Envelope) bool { return e.Op == OpHello }, phaseTimeout)
	if err != nil {
		return nil, errkind.Wrap(errkind.Timeout, err)
	}

	var ready voiceReadyPayload
	if err := json.Unmarshal(env.D, &ready); err != nil {
		return nil, errkind.Wrap(errkind.MalformedSignalling, err)
	}

	if ready.HeartbeatIntervalMS > 0 {
		missed := gw.StartHeartbeat(ctx, time.Duration(ready.HeartbeatIntervalMS)*time.Millisecond)
		go s.watchHeartbeat(ctx, gw, envs, missed, kind)
	}

	pc, err := s.newPeerConnection()
	if err != nil {
		return nil, err
	}
	if err := setupTracks(pc); err != nil {
		_ = pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("create %s offer: %w", kind, err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("set %s local description: %w", kind, err))
	}
	select {
	case <-gatherComplete:
	case <-time.After(15 * time.Second):
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.Timeout, fmt.Errorf("%s ICE gathering timeout", kind))
	case <-ctx.Done():
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.TransportClosed, ctx.Err())
	}

	if onSelecting != nil {
		onSelecting()
	}
	if err := gw.Send(OpSelectProtocol, "", map[string]any{
		"protocol": "webrtc",
		"data":     map[string]string{"sdp": pc.LocalDescription().SDP},
	}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	env, err = waitFor(ctx, envs, func(e Envelope) bool { return e.Op == OpSessionDescription }, phaseTimeout)
	if err != nil {
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.Timeout, err)
	}

	var desc sessionDescriptionPayload
	if err := json.Unmarshal(env.D, &desc); err != nil {
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.MalformedSignalling, err)
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: desc.SDP}); err != nil {
		_ = pc.Close()
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("set %s remote description: %w", kind, err))
	}

	progress(kind + " media negotiated")
	return &mediaEndpoint{gw: gw, envs: envs, pc: pc, ssrc: ready.SSRC}, nil
}

// newPeerConnection registers this relay's H.264/Opus codecs into a fresh
// MediaEngine, matching the teacher's CreateSession codec setup.
func (s *Session) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: mirrorVideoPT,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("register H264 codec: %w", err))
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        mirrorAudioPT,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("register Opus codec: %w", err))
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, fmt.Errorf("create mirror peer connection: %w", err))
	}
	return pc, nil
}

// setupAudioTrack adds the voice session's Opus send track, advertising the
// audio m-line §4.4 step 5 requires.
func (s *Session) setupAudioTrack(pc *webrtc.PeerConnection) error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "relaymirror")
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return errkind.Wrap(errkind.MediaNegotiation, err)
	}
	s.audioTrack = track
	return nil
}

// setupVideoTrack adds the Go Live stream session's H.264 send track (the
// screen-share SDP's video m-line). Video flows exclusively over this
// session once it is ready, per §4.4's "video flows over the stream
// session" -- RTX negotiation on the original voice session's video
// capacity is left unexercised, since this relay never sends video there
// (see DESIGN.md).
func (s *Session) setupVideoTrack(pc *webrtc.PeerConnection) error {
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "relaymirror")
	if err != nil {
		return errkind.Wrap(errkind.Internal, err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		return errkind.Wrap(errkind.MediaNegotiation, err)
	}
	s.videoTrack = track
	return nil
}

// watchHeartbeat reacts to two consecutive missed heartbeat acks on one
// gateway socket (§4.4/§5): it waits out the reconnect backoff (1s doubling
// to 30s, reset on success), attempts Resume, and on an invalid-session
// reply, a send failure, or exhausting the resume attempt budget (§7, 5
// per minute) marks the whole session failed.
func (s *Session) watchHeartbeat(ctx context.Context, gw *Gateway, envs <-chan Envelope, missed <-chan struct{}, kind string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-missed:
			s.log.Warn().Str("gateway", kind).Msg("missed heartbeat acks, attempting resume")

			if !s.resumeLimiter.Allow() {
				s.fail(fmt.Errorf("%s gateway: exceeded resume attempt budget", kind))
				return
			}

			delay := s.backoff.Next()
			s.log.Info().Str("gateway", kind).Dur("delay", delay).Msg("backing off before resume")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}

			if err := gw.Resume(s.creds.GuildID, s.sessionID, s.creds.Token); err != nil {
				s.fail(errkind.Wrap(errkind.TransportClosed, fmt.Errorf("%s gateway resume: %w", kind, err)))
				return
			}

			env, err := waitFor(ctx, envs, func(e Envelope) bool {
				return e.Op == OpDispatch || e.Op == OpInvalidSession
			}, phaseTimeout)
			if err != nil {
				s.fail(errkind.Wrap(errkind.Timeout, fmt.Errorf("%s gateway resume: %w", kind, err)))
				return
			}
			if env.Op == OpInvalidSession {
				s.fail(errkind.Wrap(errkind.MalformedSignalling, fmt.Errorf("%s gateway: invalid session on resume", kind)))
				return
			}

			s.backoff.Reset()
			s.log.Info().Str("gateway", kind).Msg("resumed after missed heartbeats")
		}
	}
}

func (s *Session) enterStreaming() {
	s.setState(StateStreaming)
	s.sub = s.hub.Subscribe()

	voice := s.voice.Load()
	_ = voice.gw.Send(OpSpeaking, "", map[string]any{"speaking": 2, "delay": 0, "ssrc": voice.ssrc})

	if fire, reason := s.pli.Request(ReasonStreamingEntry); fire {
		s.log.Info().Str("reason", reason.String()).Msg("requesting keyframe on stream entry")
		_ = s.hub.RequestKeyframe()
	}
}

// forwardLoop consumes the hub subscription and writes RTP onto the media
// session, gating video until the first keyframe frame after Streaming.
func (s *Session) forwardLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-s.sub.Frames():
			if !ok {
				return
			}
			s.forwardFrame(f)
			f.Release()
		case evt, ok := <-s.sub.Events():
			if !ok {
				continue
			}
			s.handleEvent(evt)
		}
	}
}

func (s *Session) forwardFrame(f *media.Frame) {
	switch f.Kind {
	case media.KindVideo:
		s.forwardVideo(f)
	case media.KindAudio:
		s.forwardAudio(f)
	}
}

func (s *Session) forwardVideo(f *media.Frame) {
	if !s.seenKeyframe {
		if !f.Keyframe {
			return
		}
		s.seenKeyframe = true
	}
	stream := s.stream.Load()
	if !s.streamReady.Load() || stream == nil {
		return
	}

	if s.videoRepack == nil {
		// Only forwardLoop (a single goroutine) touches videoRepack, so no
		// lock is needed for this lazy initialization.
		s.videoRepack = h264.NewRepacketizer(stream.ssrc, mirrorVideoPT, uint16(rand.Uint32()))
	}

	ts := f.Timestamp + s.videoTimestampOffset(f.Timestamp)

	pkts, err := s.videoRepack.Repacketize(h264.Sample{Data: f.Payload, Timestamp: ts, Keyframe: f.Keyframe})
	if err != nil {
		if fire, reason := s.pli.Request(ReasonPacketLoss); fire {
			s.log.Warn().Str("reason", reason.String()).Msg("requesting keyframe after repacketise error")
			_ = s.hub.RequestKeyframe()
		}
		return
	}
	for _, p := range pkts {
		_ = s.videoTrack.WriteRTP(p)
	}
}

func (s *Session) forwardAudio(f *media.Frame) {
	voice := s.voice.Load()
	if s.audioTrack == nil || voice == nil {
		return
	}
	s.audioSeq++
	ts := f.Timestamp + s.audioTimestampOffset(f.Timestamp)
	_ = s.audioTrack.WriteRTP(&rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         f.Marker,
			PayloadType:    mirrorAudioPT,
			SequenceNumber: s.audioSeq,
			Timestamp:      ts,
			SSRC:           voice.ssrc,
		},
		Payload: f.Payload,
	})
}

// audioTimestampOffset/videoTimestampOffset implement §4.4's "RTP
// timestamps are taken from the source sample with a constant per-session
// offset so that the first emitted packet's timestamp equals a random
// 32-bit value": the offset is fixed the first time each track forwards a
// frame and added to every subsequent source timestamp.
func (s *Session) audioTimestampOffset(sourceTS uint32) uint32 {
	if s.haveAudioTSOffset.CompareAndSwap(false, true) {
		s.audioTSOffset = rand.Uint32() - sourceTS
	}
	return s.audioTSOffset
}

func (s *Session) videoTimestampOffset(sourceTS uint32) uint32 {
	if s.haveVideoTSOffset.CompareAndSwap(false, true) {
		s.videoTSOffset = rand.Uint32() - sourceTS
	}
	return s.videoTSOffset
}

func (s *Session) handleEvent(evt fanout.Event) {
	switch evt.Kind {
	case fanout.EventSourceDetached:
		s.seenKeyframe = false
	case fanout.EventKeyframeDropped:
		// §7: SlowConsumer is recovered locally by dropping frames (already
		// done by the hub) and requesting a keyframe to resync.
		lagErr := errkind.Wrap(errkind.SlowConsumer, fmt.Errorf("subscription lagged, frames dropped to next keyframe"))
		if fire, reason := s.pli.Request(ReasonLagEvent); fire {
			s.log.Warn().Err(lagErr).Str("reason", reason.String()).Msg("requesting keyframe after lag event")
			_ = s.hub.RequestKeyframe()
		} else {
			s.log.Debug().Err(lagErr).Msg("lag event while PLI gate closed")
		}
	}
}

// Close tears the session down: Terminating, StreamDelete, close every
// socket, bounded to forceCloseTimeout per §5's cooperative-then-forced
// shutdown.
func (s *Session) Close() error {
	s.setState(StateTerminating)
	stream := s.stream.Load()
	if stream != nil {
		_ = stream.gw.Send(OpStreamDelete, "", nil)
	}
	if s.cancel != nil {
		s.cancel()
	}

	select {
	case <-s.done:
	case <-time.After(forceCloseTimeout):
	}

	if s.sub != nil {
		s.hub.Unsubscribe(s.sub)
	}
	if voice := s.voice.Load(); voice != nil {
		_ = voice.pc.Close()
		_ = voice.gw.Close()
	}
	if stream != nil {
		_ = stream.pc.Close()
		_ = stream.gw.Close()
	}
	if s.mainGW != nil {
		return s.mainGW.Close()
	}
	return nil
}

// readInto forwards every envelope from gw's ReadLoop onto a channel the
// phase methods can select on. Called exactly once per gateway socket: the
// returned channel is reused for every later phase against that same
// socket, since gorilla/websocket forbids more than one concurrent reader
// per connection.
func (s *Session) readInto(ctx context.Context, gw *Gateway) <-chan Envelope {
	ch := make(chan Envelope, 16)
	go func() {
		_ = gw.ReadLoop(ctx, func(e Envelope) {
			select {
			case ch <- e:
			case <-ctx.Done():
			}
		})
	}()
	return ch
}

func waitFor(ctx context.Context, ch <-chan Envelope, match func(Envelope) bool, timeout time.Duration) (Envelope, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case env := <-ch:
			if match(env) {
				return env, nil
			}
		case <-deadline.C:
			return Envelope{}, fmt.Errorf("timed out waiting for matching envelope")
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}
