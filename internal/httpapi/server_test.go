package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "outreach/pkg/logx"
)

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func do(t *testing.T, h http.Handler, method, target string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndReadiness(t *testing.T) {
	h := New(Config{}, logx.Nop(), WithReadiness(pinger{})).Router()
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/readyz").Code)

	h = New(Config{}, logx.Nop(), WithReadiness(pinger{err: errors.New("db down")})).Router()
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz").Code)
	require.Equal(t, http.StatusServiceUnavailable, do(t, h, "GET", "/readyz").Code)
}

func TestMetricsExposeRequests(t *testing.T) {
	h := New(Config{}, logx.Nop()).Router()
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz").Code)

	w := do(t, h, "GET", "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, `outreach_http_requests_total{code="OK",handler="/healthz",method="GET"}`)
	require.Contains(t, body, "go_goroutines")
}

func TestStatusSnapshots(t *testing.T) {
	h := New(Config{}, logx.Nop(),
		WithStatus("hub", func(context.Context) any { return map[string]int{"subscribers": 2} }),
		WithStatus("dispatch", func(context.Context) any { return map[string]bool{"running": true} }),
	).Router()

	w := do(t, h, "GET", "/status")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"hub":{"subscribers":2},"dispatch":{"running":true}}`, w.Body.String())

	w = do(t, h, "GET", "/status/hub")
	require.JSONEq(t, `{"subscribers":2}`, w.Body.String())

	w = do(t, h, "GET", "/status/nope")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestTokenGuardsOperatorRoutes(t *testing.T) {
	ws := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) })
	h := New(Config{Token: "s3cret"}, logx.Nop(),
		WithWebsocket(ws),
		WithStatus("hub", func(context.Context) any { return 1 }),
	).Router()

	require.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/status").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/status?token=wrong").Code)
	require.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/status", "Authorization", "Bearer wrong").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/status", "Authorization", "Bearer s3cret").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/status?token=s3cret").Code)

	require.Equal(t, http.StatusUnauthorized, do(t, h, "GET", "/ws").Code)
	require.Equal(t, http.StatusTeapot, do(t, h, "GET", "/ws?token=s3cret").Code)

	// Probes stay open.
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/healthz").Code)
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/metrics").Code)
}

func TestPprofToggle(t *testing.T) {
	h := New(Config{}, logx.Nop()).Router()
	require.Equal(t, http.StatusNotFound, do(t, h, "GET", "/debug/pprof/").Code)

	h = New(Config{Pprof: true}, logx.Nop()).Router()
	require.Equal(t, http.StatusOK, do(t, h, "GET", "/debug/pprof/").Code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, logx.Nop())
	require.ErrorIs(t, s.Start(context.Background()), ErrInsecureBind)
}

func TestStartServeShutdown(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, logx.Nop(),
		WithStatus("x", func(context.Context) any { return []string{"a"} }))
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/status/x")
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	var got []string
	require.NoError(t, json.Unmarshal(raw, &got))
	require.Equal(t, []string{"a"}, got)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	_, err = http.Get("http://" + addr + "/healthz")
	require.Error(t, err)
}

func TestLoopbackDetection(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:8080": true,
		"localhost:80":   true,
		"[::1]:9000":     true,
		":8080":          false,
		"0.0.0.0:8080":   false,
		"10.0.0.4:8080":  false,
		"garbage":        false,
	}
	for addr, want := range cases {
		require.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
