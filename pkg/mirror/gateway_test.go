package mirror

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// echoServer accepts one websocket connection and runs handler against it,
// matching the tiny-stub-gateway idiom other pack repos use to exercise a
// single-reader-task client against a real socket instead of a mock.
func echoServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestGatewaySendDeliversEnvelope(t *testing.T) {
	received := make(chan Envelope, 1)

	srv := echoServer(t, func(conn *websocket.Conn) {
		var env Envelope
		require.NoError(t, conn.ReadJSON(&env))
		received <- env
	})

	gw, err := DialGateway(context.Background(), "test", wsURL(srv.URL), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	require.NoError(t, gw.Send(OpIdentify, "", map[string]string{"token": "abc"}))

	select {
	case env := <-received:
		require.Equal(t, OpIdentify, env.Op)
	case <-time.After(time.Second):
		t.Fatal("server never received envelope")
	}
}

func TestGatewayReadLoopDispatchesAndTracksSeq(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		seq := 1
		require.NoError(t, conn.WriteJSON(Envelope{Op: OpDispatch, T: EventReady, S: &seq}))
		time.Sleep(50 * time.Millisecond)
	})

	gw, err := DialGateway(context.Background(), "test", wsURL(srv.URL), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	dispatched := make(chan Envelope, 1)
	go func() {
		_ = gw.ReadLoop(ctx, func(e Envelope) { dispatched <- e })
	}()

	select {
	case env := <-dispatched:
		require.Equal(t, EventReady, env.T)
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	seq, have := gw.LastSeq()
	require.True(t, have)
	require.Equal(t, 1, seq)
}

func TestGatewayHeartbeatAckSuppressesMissed(t *testing.T) {
	srv := echoServer(t, func(conn *websocket.Conn) {
		for {
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			require.NoError(t, conn.WriteJSON(Envelope{Op: OpHeartbeatACK}))
		}
	})

	gw, err := DialGateway(context.Background(), "test", wsURL(srv.URL), zerolog.Nop())
	require.NoError(t, err)
	defer gw.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go func() { _ = gw.ReadLoop(ctx, func(Envelope) {}) }()

	missed := gw.StartHeartbeat(ctx, 20*time.Millisecond)

	select {
	case <-missed:
		t.Fatal("expected no missed-heartbeat signal while acks keep arriving")
	case <-ctx.Done():
	}
}
