package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/relaymirror/relaymirror/pkg/fanout"
	"github.com/relaymirror/relaymirror/pkg/supervisor"
)

func newTestServer() *Server {
	registry := supervisor.New(fanout.New(), zerolog.Nop())
	return NewServer(registry, "ws://127.0.0.1:1/gateway", zerolog.Nop())
}

// TestHandleListMirrorsEmpty covers §6 GET /api/mirrors with no mirrors
// ever created: an empty JSON array.
func TestHandleListMirrorsEmpty(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodGet, "/api/mirrors", nil)
	rec := httptest.NewRecorder()
	s.handleMirrors(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, "[]", rec.Body.String())
}

// TestHandleDeleteMirrorNotFound covers §6's "404 if absent" contract for
// POST /api/mirrors?action=delete.
func TestHandleDeleteMirrorNotFound(t *testing.T) {
	s := newTestServer()

	body := bytes.NewBufferString(`{"id":0}`)
	req := httptest.NewRequest(http.MethodPost, "/api/mirrors?action=delete", body)
	rec := httptest.NewRecorder()
	s.handleMirrors(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

// TestHandleMirrorsUnknownAction covers the default branch of the
// action-dispatch switch.
func TestHandleMirrorsUnknownAction(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors?action=bogus", nil)
	rec := httptest.NewRecorder()
	s.handleMirrors(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestHandleCreateMirrorPreserves64BitIDPrecision covers §6/§9's concern
// that guild_id/channel_id must survive the JSON round trip at full 64-bit
// precision rather than being coerced through a float64. The gateway dial
// itself fails immediately (no real gateway listening), so the handshake
// never reaches "success", but the decode happens before any dial attempt
// and a malformed-precision id would instead fail at the ParseInt step with
// a 400, which this test rules out.
func TestHandleCreateMirrorPreserves64BitIDPrecision(t *testing.T) {
	s := newTestServer()

	const bigGuildID = "9223372036854775807" // math.MaxInt64, unrepresentable exactly as float64
	reqBody, err := json.Marshal(map[string]any{
		"token":      "x",
		"guild_id":   json.RawMessage(bigGuildID),
		"channel_id": json.RawMessage("2"),
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/mirrors?action=create", bytes.NewReader(reqBody))
	rec := httptest.NewRecorder()
	s.handleMirrors(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "the 64-bit id must decode and parse without a 400")
	require.Contains(t, rec.Body.String(), "connecting to gateway")
}

// TestHandleWHIPRequiresAuthorizationHeader covers §6's bearer-token
// placeholder: an absent header is rejected even though any value is
// accepted.
func TestHandleWHIPRequiresAuthorizationHeader(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/whip", bytes.NewBufferString("v=0"))
	rec := httptest.NewRecorder()
	s.handleWHIP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandleWHIPDeleteNotFound(t *testing.T) {
	s := newTestServer()

	req := httptest.NewRequest(http.MethodDelete, "/whip/does-not-exist", nil)
	rec := httptest.NewRecorder()
	s.handleWHIPDelete(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
