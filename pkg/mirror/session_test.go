package mirror

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/media"
)

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

// answerOffer plays the external chat service's role in SelectProtocol
// (§4.4 step 5): it answers offerSDP with a real pion PeerConnection
// registered with this relay's own codec set, matching the
// writeAnswer idiom of the pack's WHIP/WHEP examples (SetRemoteDescription,
// CreateAnswer, SetLocalDescription, wait for ICE gathering, read back
// LocalDescription().SDP).
func answerOffer(t *testing.T, offerSDP string) string {
	t.Helper()

	m := &webrtc.MediaEngine{}
	require.NoError(t, m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: mirrorVideoPT,
	}, webrtc.RTPCodecTypeVideo))
	require.NoError(t, m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        mirrorAudioPT,
	}, webrtc.RTPCodecTypeAudio))

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	require.NoError(t, pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}))

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	answer, err := pc.CreateAnswer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(answer))

	select {
	case <-gatherComplete:
	case <-time.After(5 * time.Second):
		t.Fatal("answerer ICE gathering timed out")
	}

	return pc.LocalDescription().SDP
}

// TestSessionRunReachesStreaming drives Session.Run through the full
// signalling handshake (§4.4 steps 1-5) against two fake gateway sockets --
// a "main" gateway issuing Ready and the voice-state/voice-server
// dispatches, and a "voice" gateway issuing Hello and the SDP answer -- and
// asserts it reaches StateStreaming, matching Property 1/2's mirror-side
// setup and scenario E2's negotiation path.
func TestSessionRunReachesStreaming(t *testing.T) {
	var voiceSrv *httptest.Server

	voiceSrv = echoServer(t, func(conn *websocket.Conn) {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, OpIdentify, env.Op)

		require.NoError(t, conn.WriteJSON(Envelope{
			Op: OpHello,
			D:  mustJSON(t, voiceReadyPayload{SSRC: 5555, IP: "127.0.0.1", Port: 9, Modes: []string{"xsalsa20_poly1305"}}),
		}))

		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, OpSelectProtocol, env.Op)

		var sel struct {
			Data struct {
				SDP string `json:"sdp"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(env.D, &sel))

		answerSDP := answerOffer(t, sel.Data.SDP)

		require.NoError(t, conn.WriteJSON(Envelope{
			Op: OpSessionDescription,
			D:  mustJSON(t, sessionDescriptionPayload{AudioCodec: "opus", VideoCodec: "H264", SDP: answerSDP}),
		}))

		// Drain anything further (e.g. Speaking) without erroring; Run
		// has already returned by the time the client might send it.
		for {
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})

	mainSrv := echoServer(t, func(conn *websocket.Conn) {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, OpIdentify, env.Op)

		require.NoError(t, conn.WriteJSON(Envelope{
			Op: OpDispatch, T: EventReady,
			D: mustJSON(t, readyPayload{SessionID: "sess-1"}),
		}))

		require.NoError(t, conn.ReadJSON(&env))
		require.Equal(t, OpVoiceStateUpdate, env.Op)

		require.NoError(t, conn.WriteJSON(Envelope{Op: OpDispatch, T: EventVoiceStateUpdate}))
		require.NoError(t, conn.WriteJSON(Envelope{
			Op: OpDispatch, T: EventVoiceServerUpdate,
			D: mustJSON(t, voiceServerPayload{Endpoint: wsURL(voiceSrv.URL), Token: "voicetok"}),
		}))

		// Drain STREAM_CREATE and anything else from the parallel Go
		// Live sub-procedure without responding -- Run doesn't wait on it.
		for {
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
		}
	})

	hub := fanout.New()
	s := NewSession(Credentials{Token: "tok", GuildID: 1, ChannelID: 2}, hub, zerolog.Nop())

	var mu sync.Mutex
	var progressLines []string
	progress := func(line string) {
		mu.Lock()
		progressLines = append(progressLines, line)
		mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, s.Run(ctx, wsURL(mainSrv.URL), progress))
	require.Equal(t, StateStreaming, s.State())

	mu.Lock()
	require.Contains(t, progressLines, "success")
	mu.Unlock()

	require.NoError(t, s.Close())
}

// TestSessionForwardVideoGatesOnSeenKeyframe asserts §4.4's "a mirror must
// not emit video RTP until it has seen at least one complete IDR access
// unit from the source after its Streaming transition": forwardVideo must
// silently drop non-keyframe frames until the first keyframe, and must not
// touch the repacketiser/track before the stream leg is ready.
func TestSessionForwardVideoGatesOnSeenKeyframe(t *testing.T) {
	s := NewSession(Credentials{Token: "t", GuildID: 1, ChannelID: 2}, fanout.New(), zerolog.Nop())

	nonKeyframe := media.New(111, 96, 1, 1000, false, media.KindVideo, false, []byte{0, 0, 0, 1, 0x61})
	defer nonKeyframe.Release()
	s.forwardVideo(nonKeyframe)
	require.False(t, s.seenKeyframe, "a non-keyframe frame before any keyframe must not open the gate")
	require.Nil(t, s.videoRepack, "forwardVideo must not touch the repacketiser while gated")

	keyframe := media.New(111, 96, 2, 2000, false, media.KindVideo, true, []byte{0, 0, 0, 1, 0x65})
	defer keyframe.Release()
	s.forwardVideo(keyframe)
	require.True(t, s.seenKeyframe, "a keyframe frame must open the gate")
	require.Nil(t, s.videoRepack, "forwardVideo must still withhold writes until the stream leg is ready")

	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "relaymirror")
	require.NoError(t, err)
	s.videoTrack = track
	s.streamReady.Store(true)
	s.stream.Store(&mediaEndpoint{ssrc: 777})

	frame := media.New(111, 96, 3, 3000, false, media.KindVideo, false, []byte{0, 0, 0, 1, 0x61})
	defer frame.Release()
	s.forwardVideo(frame)
	require.NotNil(t, s.videoRepack, "forwardVideo must fragment and write once the stream leg is ready")
}

// TestSessionCloseForceClosesWithinTimeout covers E6: deleting a mirror
// stuck mid-handshake (here, a main gateway socket that never replies again
// after connecting, simulating Selecting) must have Close return within
// forceCloseTimeout rather than hang on a background goroutine that never
// signals done.
func TestSessionCloseForceClosesWithinTimeout(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		// Accept the connection and go silent, as if stuck negotiating.
	})

	log := zerolog.Nop()
	s := NewSession(Credentials{Token: "t", GuildID: 1, ChannelID: 2}, fanout.New(), log)

	gw, err := DialGateway(context.Background(), "main", wsURL(srv.URL), log)
	require.NoError(t, err)
	s.mainGW = gw

	_, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{}) // deliberately never closed

	start := time.Now()
	_ = s.Close()
	elapsed := time.Since(start)

	require.GreaterOrEqual(t, elapsed, forceCloseTimeout, "Close must wait out forceCloseTimeout before forcing sockets closed")
	require.Less(t, elapsed, forceCloseTimeout+time.Second, "Close must not hang past forceCloseTimeout")
}
