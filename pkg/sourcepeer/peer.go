// Package sourcepeer implements the WHIP ingest side (§4.2): the single
// broadcaster's WebRTC session, answered rather than originated, and the
// reassembly of its inbound H.264 RTP into access units published on the
// fan-out hub. It descends from the teacher's Bridge.CreateSession/Negotiate
// (pkg/bridge/bridge.go in gtfodev-camsRelay), generalized from "we
// originate an offer to Cloudflare" to "we answer an inbound WHIP offer".
package sourcepeer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/relaymirror/relaymirror/pkg/errkind"
	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/h264"
	"github.com/relaymirror/relaymirror/pkg/media"
)

// State is the source peer's lifecycle per §4.2.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateClosing
	StateGone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateGone:
		return "gone"
	default:
		return "unknown"
	}
}

// pliInterval bounds the rate of PLI feedback forwarded to the
// broadcaster, matching the teacher's rate-gated command idiom
// (pkg/nest/queue.go) applied to keyframe requests instead of API calls.
const pliInterval = 500 * time.Millisecond

// videoPayloadType/audioPayloadType are the negotiated payload types this
// relay advertises in its WHIP answer.
const (
	videoPayloadType = 96
	audioPayloadType = 111
)

// Peer is the single broadcaster's ingest session.
type Peer struct {
	ID string

	mu    sync.Mutex
	state State

	pc  *webrtc.PeerConnection
	hub *fanout.Hub
	log zerolog.Logger

	pliLimiter *rate.Limiter

	sampleBuilder *h264.SampleBuilder
}

// New registers H.264 and Opus codecs into a fresh MediaEngine, matching
// the teacher's CreateSession codec setup (constrained-baseline H.264,
// packetization-mode=1, to match what a browser broadcaster offers, and
// Opus/48kHz/2ch), and returns a Peer ready to negotiate.
func New(hub *fanout.Hub, log zerolog.Logger) (*Peer, error) {
	m := &webrtc.MediaEngine{}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("register H264 codec: %w", err))
	}

	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: 48000,
			Channels:  2,
		},
		PayloadType: audioPayloadType,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("register Opus codec: %w", err))
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, errkind.Wrap(errkind.Internal, fmt.Errorf("create peer connection: %w", err))
	}

	p := &Peer{
		ID:            uuid.NewString(),
		state:         StateIdle,
		pc:            pc,
		hub:           hub,
		log:           log.With().Str("component", "sourcepeer").Logger(),
		pliLimiter:    rate.NewLimiter(rate.Every(pliInterval), 1),
		sampleBuilder: h264.NewSampleBuilder(),
	}

	pc.OnConnectionStateChange(p.onConnectionStateChange)
	pc.OnTrack(p.onTrack)

	hub.SetKeyframeRequester(p.RequestKeyframe)

	return p, nil
}

// Answer performs the WHIP offer/answer exchange (§4.2, §6 "POST /whip"):
// set the broadcaster's offer as the remote description, create and set a
// recvonly answer, wait for ICE gathering, and return the answer SDP.
func (p *Peer) Answer(ctx context.Context, offerSDP string) (string, error) {
	p.setState(StateNegotiating)

	if err := validateOfferMedia(offerSDP); err != nil {
		return "", err
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("set remote description: %w", err))
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("create answer: %w", err))
	}

	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("set local description: %w", err))
	}

	select {
	case <-gatherComplete:
	case <-time.After(10 * time.Second):
		return "", errkind.Wrap(errkind.Timeout, fmt.Errorf("ICE gathering timeout"))
	case <-ctx.Done():
		return "", errkind.Wrap(errkind.TransportClosed, ctx.Err())
	}

	p.log.Info().Str("source_id", p.ID).Msg("WHIP offer answered")

	return p.pc.LocalDescription().SDP, nil
}

// validateOfferMedia parses offerSDP with pion/sdp/v3 and rejects an H.264
// video m-line that doesn't advertise packetization-mode=1, the only mode
// this relay's depacketiser understands (§4.1, §4.2). A rejection here is
// what the WHIP handler maps onto 406 Not Acceptable (§7): pion's own
// SetRemoteDescription/CreateAnswer would otherwise silently pick whatever
// payload type the two sides have in common rather than reporting that the
// offer's fmtp shape wouldn't depacketise.
func validateOfferMedia(offerSDP string) error {
	var sess sdp.SessionDescription
	if err := sess.Unmarshal([]byte(offerSDP)); err != nil {
		return errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("parse offer SDP: %w", err))
	}

	for _, m := range sess.MediaDescriptions {
		if m.MediaName.Media != "video" {
			continue
		}
		h264PT, fmtpLine, ok := findH264Fmtp(m)
		if !ok {
			return errkind.Wrap(errkind.MediaNegotiation, fmt.Errorf("no H264 rtpmap/fmtp in video m-line"))
		}
		if !strings.Contains(fmtpLine, "packetization-mode=1") {
			return errkind.Wrap(errkind.MediaNegotiation,
				fmt.Errorf("video payload type %d: only packetization-mode=1 is supported", h264PT))
		}
	}
	return nil
}

// findH264Fmtp returns the payload type and fmtp attribute value of the
// first H264 rtpmap in m, if any.
func findH264Fmtp(m *sdp.MediaDescription) (uint8, string, bool) {
	var h264PT uint8
	var havePT bool

	for _, attr := range m.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(attr.Value)
		if len(fields) != 2 || !strings.HasPrefix(strings.ToLower(fields[1]), "h264/") {
			continue
		}
		pt, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil {
			continue
		}
		h264PT, havePT = uint8(pt), true
		break
	}
	if !havePT {
		return 0, "", false
	}

	for _, attr := range m.Attributes {
		if attr.Key != "fmtp" {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.ParseUint(fields[0], 10, 8)
		if err != nil || uint8(pt) != h264PT {
			continue
		}
		return h264PT, fields[1], true
	}

	return h264PT, "", false
}

func (p *Peer) onConnectionStateChange(state webrtc.PeerConnectionState) {
	p.log.Info().Str("source_id", p.ID).Str("state", state.String()).Msg("peer connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		p.setState(StateConnected)
		p.hub.AttachSource()
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.setState(StateGone)
		p.hub.DetachSource()
	}
}

// onTrack forwards an inbound track's RTP to the hub: video is reassembled
// into access units via the sample builder before publishing; audio
// (Opus) needs no reassembly and is forwarded packet-for-packet.
func (p *Peer) onTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		p.readVideo(track)
	case webrtc.RTPCodecTypeAudio:
		p.readAudio(track)
	}
}

func (p *Peer) readVideo(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.Info().Str("source_id", p.ID).Err(err).Msg("video track closed")
			return
		}

		lossBefore := p.sampleBuilder.LossCount
		samples := p.sampleBuilder.Push(h264.Packet{
			SequenceNumber: pkt.SequenceNumber,
			Timestamp:      pkt.Timestamp,
			Marker:         pkt.Marker,
			Payload:        pkt.Payload,
		})

		if p.sampleBuilder.LossCount > lossBefore {
			// §7: DepacketMalformed is recovered locally by dropping the
			// damaged access unit and requesting a keyframe to resync.
			depktErr := errkind.Wrap(errkind.DepacketMalformed,
				fmt.Errorf("dropped incomplete access unit at seq=%d", pkt.SequenceNumber))
			p.log.Warn().Str("source_id", p.ID).Err(depktErr).Msg("requesting keyframe to recover")
			if err := p.RequestKeyframe(pkt.SSRC); err != nil {
				p.log.Warn().Str("source_id", p.ID).Err(err).Msg("keyframe request failed")
			}
		}

		for _, s := range samples {
			f := media.New(pkt.SSRC, videoPayloadType, pkt.SequenceNumber, s.Timestamp, true, media.KindVideo, s.Keyframe, s.Data)
			p.hub.Publish(f)
			f.Release()
		}
	}
}

func (p *Peer) readAudio(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			p.log.Info().Str("source_id", p.ID).Err(err).Msg("audio track closed")
			return
		}

		f := media.New(pkt.SSRC, audioPayloadType, pkt.SequenceNumber, pkt.Timestamp, pkt.Marker, media.KindAudio, false, pkt.Payload)
		p.hub.Publish(f)
		f.Release()
	}
}

// RequestKeyframe sends a PLI to the broadcaster, coalesced to at most once
// per pliInterval (§4.2).
func (p *Peer) RequestKeyframe(mediaSSRC uint32) error {
	if !p.pliLimiter.Allow() {
		return nil
	}
	return p.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: mediaSSRC}})
}

// Close tears the session down (§4.2 "Closing" -> "Gone"). Called from
// DELETE /whip, when a newer offer replaces this Peer (or its own answer
// fails), and at shutdown; a fatal connection state change only moves the
// state to Gone and detaches the source, without calling Close. It does not clear
// the hub's keyframe requester: AttachSource registers the replacement
// Peer's requester before closing the outgoing one, so clearing here
// unconditionally would race and wipe out a newer Peer's registration. A
// requester left pointing at a closed PeerConnection is harmless:
// RequestKeyframe's WriteRTCP simply errors and the caller discards it.
func (p *Peer) Close() error {
	p.setState(StateClosing)
	err := p.pc.Close()
	p.setState(StateGone)
	p.hub.DetachSource()
	return err
}

func (p *Peer) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Peer) setState(s State) {
	p.mu.Lock()
	prev := p.state
	p.state = s
	p.mu.Unlock()
	if prev != s {
		p.log.Info().Str("source_id", p.ID).Str("from", prev.String()).Str("to", s.String()).Msg("source peer state transition")
	}
}
