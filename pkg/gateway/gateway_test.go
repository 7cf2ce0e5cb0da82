package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/authserver"
	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/multiplexer"
	"github.com/mcpbox/mcpbox/pkg/storage"
)

func newTestHandler(t *testing.T, auth *config.AuthConfig) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server: config.ServerConfig{Port: 8080},
		Auth:   auth,
	}

	mpx := multiplexer.New(nil, multiplexer.Options{ClientVersion: "test"})
	mpx.Start(context.Background())

	var as *authserver.Server
	if auth != nil && auth.Type == "oauth" {
		var err error
		as, err = authserver.New(context.Background(), auth, storage.NewMemoryStore())
		require.NoError(t, err)
	}

	return New(cfg, mpx, as, "test").Routes()
}

func postRPC(handler http.Handler, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for key, value := range header {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeRPC(t *testing.T, rec *httptest.ResponseRecorder) rpcResponse {
	t.Helper()
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestHealth(t *testing.T) {
	handler := newTestHandler(t, &config.AuthConfig{Type: "apikey", APIKey: "0123456789abcdef"})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestNotFound(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"error":"Not found"}`, rec.Body.String())
}

func TestLogoEndpoints(t *testing.T) {
	handler := newTestHandler(t, nil)

	for _, path := range []string{"/logo.png", "/favicon.ico", "/icon.png", "/favicon.png"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"), path)
		assert.NotEmpty(t, rec.Body.Bytes(), path)
	}
}

func TestParseError(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, "{not json", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "2.0", envelope["jsonrpc"])
	assert.Nil(t, envelope["id"])
	errObj := envelope["error"].(map[string]any)
	assert.Equal(t, float64(-32700), errObj["code"])
	assert.Equal(t, "Parse error", errObj["message"])
}

func TestNotificationReturns202(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"2.0","method":"notifications/initialized"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestInvalidEnvelope(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"1.0","id":1,"method":"ping"}`, nil)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	rec = postRPC(handler, `{"jsonrpc":"2.0","id":2}`, nil)
	resp = decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	// Valid JSON of the wrong shape is an invalid request, not a parse error.
	rec = postRPC(handler, `[1,2,3]`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	resp = decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)

	// A broken envelope without an id is rejected, not treated as a
	// notification.
	rec = postRPC(handler, `{"jsonrpc":"1.0","method":"ping"}`, nil)
	resp = decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInvalidRequest, resp.Error.Code)
}

func TestInitialize(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-11-25"}}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Result struct {
			ProtocolVersion string         `json:"protocolVersion"`
			Capabilities    map[string]any `json:"capabilities"`
			ServerInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"serverInfo"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "2025-11-25", resp.Result.ProtocolVersion)
	assert.Equal(t, "mcpbox", resp.Result.ServerInfo.Name)
	assert.Equal(t, "test", resp.Result.ServerInfo.Version)
	assert.Contains(t, resp.Result.Capabilities, "tools")
	assert.Contains(t, resp.Result.Capabilities, "completions")
}

func TestPing(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
}

func TestMethodNotFound(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"2.0","id":1,"method":"foo/bar"}`, nil)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)
	assert.Equal(t, "Method not found: foo/bar", resp.Error.Message)
}

func TestUnknownToolCall(t *testing.T) {
	handler := newTestHandler(t, nil)

	rec := postRPC(handler, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"ghost__doNothing"}}`, nil)
	resp := decodeRPC(t, rec)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeInternalError, resp.Error.Code)
	assert.Equal(t, "Unknown tool: ghost__doNothing", resp.Error.Message)
}

func TestEmptyCatalogueLists(t *testing.T) {
	handler := newTestHandler(t, nil)

	for _, method := range []string{"tools/list", "resources/list", "prompts/list"} {
		rec := postRPC(handler, `{"jsonrpc":"2.0","id":1,"method":"`+method+`"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, method)
		assert.NotContains(t, rec.Body.String(), "null", method)
	}
}

func TestInvalidParams(t *testing.T) {
	handler := newTestHandler(t, nil)

	for _, body := range []string{
		`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`,
		`{"jsonrpc":"2.0","id":1,"method":"resources/read"}`,
		`{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"arguments":{}}}`,
		`{"jsonrpc":"2.0","id":1,"method":"completion/complete","params":{}}`,
	} {
		resp := decodeRPC(t, postRPC(handler, body, nil))
		require.NotNil(t, resp.Error, body)
		assert.Equal(t, codeInvalidParams, resp.Error.Code, body)
	}
}

func TestAPIKeyModes(t *testing.T) {
	handler := newTestHandler(t, &config.AuthConfig{Type: "apikey", APIKey: "0123456789abcdef"})
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	assert.Equal(t, http.StatusUnauthorized, postRPC(handler, ping, nil).Code)
	assert.Equal(t, http.StatusUnauthorized, postRPC(handler, ping,
		map[string]string{"X-API-Key": "wrong-key-wrong"}).Code)

	assert.Equal(t, http.StatusOK, postRPC(handler, ping,
		map[string]string{"X-API-Key": "0123456789abcdef"}).Code)
	assert.Equal(t, http.StatusOK, postRPC(handler, ping,
		map[string]string{"Authorization": "Bearer 0123456789abcdef"}).Code)
	assert.Equal(t, http.StatusOK, postRPC(handler, ping,
		map[string]string{"Authorization": "ApiKey 0123456789abcdef"}).Code)

	// Status is protected too.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOAuthProtectedDispatch(t *testing.T) {
	authCfg := &config.AuthConfig{
		Type:   "oauth",
		Issuer: "http://localhost:8080",
		Clients: []config.ClientConfig{
			{ClientID: "m2m-client", ClientSecret: "m2m-secret", GrantType: "client_credentials"},
		},
	}
	handler := newTestHandler(t, authCfg)
	ping := `{"jsonrpc":"2.0","id":1,"method":"ping"}`

	rec := postRPC(handler, ping, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "resource_metadata=")

	// Mint a token through the embedded token endpoint.
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"m2m-client"},
		"client_secret": {"m2m-secret"},
	}
	tokenReq := httptest.NewRequest(http.MethodPost, "/token", strings.NewReader(form.Encode()))
	tokenReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	tokenRec := httptest.NewRecorder()
	handler.ServeHTTP(tokenRec, tokenReq)
	require.Equal(t, http.StatusOK, tokenRec.Code, tokenRec.Body.String())

	var token struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(tokenRec.Body.Bytes(), &token))

	var logBuf bytes.Buffer
	log.SetWriter(log.Config{Level: "debug", Format: "json"}, &logBuf)
	t.Cleanup(func() { log.Setup(log.Config{RedactSecrets: true}) })

	rec = postRPC(handler, ping, map[string]string{"Authorization": "Bearer " + token.AccessToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
	assert.Contains(t, logBuf.String(), "ping requested by client:m2m-client")

	// Discovery stays open.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRootPathDispatch(t *testing.T) {
	handler := newTestHandler(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{}}`, rec.Body.String())
}
