package api

import (
	"bufio"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/research-status-relay/internal/pubsub/memory"
	"github.com/JakeFAU/research-status-relay/internal/relay"
)

type streamClient struct {
	resp   *http.Response
	reader *bufio.Reader
}

func openStream(t *testing.T, url string) *streamClient {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url+"/api/status-updates", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return &streamClient{resp: resp, reader: bufio.NewReader(resp.Body)}
}

// next reads one SSE record and returns its data line.
func (c *streamClient) next(t *testing.T) string {
	t.Helper()
	line, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	blank, err := c.reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "\n", blank)
	require.True(t, strings.HasPrefix(line, "data: "), "unexpected record %q", line)
	return strings.TrimSuffix(strings.TrimPrefix(line, "data: "), "\n")
}

func TestStatusUpdatesRelaysPayloadsVerbatim(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	srv := newTestServer(t, testConfig(), Deps{Relay: newTestRelay(t, broker, relay.Config{})})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client := openStream(t, ts.URL)
	require.Equal(t, "text/event-stream", client.resp.Header.Get("Content-Type"))
	require.Equal(t, "no-cache", client.resp.Header.Get("Cache-Control"))
	require.Equal(t, "*", client.resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Cache-Control", client.resp.Header.Get("Access-Control-Allow-Headers"))

	started := `{"status":"started"}`
	completed := `{"status":"completed","details":{"symbol":"AAPL"}}`
	for _, payload := range []string{started, completed} {
		n, err := broker.Publish(context.Background(), testChannel, []byte(payload))
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}
	require.Equal(t, started, client.next(t))
	require.Equal(t, completed, client.next(t))
}

func TestStatusUpdatesClientsAreIndependent(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	srv := newTestServer(t, testConfig(), Deps{Relay: newTestRelay(t, broker, relay.Config{})})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	a := openStream(t, ts.URL)
	b := openStream(t, ts.URL)
	require.Equal(t, 2, broker.Subscribers(testChannel))

	_, err := broker.Publish(context.Background(), testChannel, []byte(`{"status":"running"}`))
	require.NoError(t, err)
	require.Equal(t, `{"status":"running"}`, a.next(t))
	require.Equal(t, `{"status":"running"}`, b.next(t))

	require.NoError(t, a.resp.Body.Close())
	require.Eventually(t, func() bool {
		return broker.Subscribers(testChannel) == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, err = broker.Publish(context.Background(), testChannel, []byte(`{"status":"completed"}`))
	require.NoError(t, err)
	require.Equal(t, `{"status":"completed"}`, b.next(t))
}

func TestStatusUpdatesSubscribeFailureReturns503(t *testing.T) {
	t.Parallel()

	broker := memory.NewBroker(8)
	broker.SetOpenHook(func(context.Context, string) error { return errors.New("connection refused") })
	srv := newTestServer(t, testConfig(), Deps{Relay: newTestRelay(t, broker, relay.Config{})})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status-updates", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NotContains(t, rec.Body.String(), "data:")
	require.Equal(t, 0, broker.Subscribers(testChannel))
}

func TestStatusUpdatesRejections(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		err    error
		status int
	}{
		{name: "over capacity", err: relay.ErrOverCapacity, status: http.StatusServiceUnavailable},
		{name: "shutting down", err: relay.ErrShuttingDown, status: http.StatusServiceUnavailable},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			streamer := streamerFunc(func(context.Context, relay.Sink) (relay.Outcome, error) {
				return relay.Outcome{Reason: relay.ReasonRejected}, tc.err
			})
			srv := newTestServer(t, testConfig(), Deps{Relay: streamer})
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status-updates", nil))
			require.Equal(t, tc.status, rec.Code)
		})
	}
}

func TestStatusUpdatesPreflight(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CORS.AllowOrigin = "https://research.example.com"
	srv := newTestServer(t, cfg, Deps{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/api/status-updates", nil))

	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://research.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "Cache-Control", rec.Header().Get("Access-Control-Allow-Headers"))
	require.Empty(t, rec.Body.String())
}
