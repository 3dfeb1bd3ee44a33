package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/internal/registry"
	"github.com/xiy/agent-core/pkg/types"
)

func discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

var weatherTool = types.Tool{
	Name: "get_weather",
	Parameters: map[string]any{
		"type":       "object",
		"properties": map[string]any{"city": map[string]any{"type": "string"}},
		"required":   []any{"city"},
	},
}

func setup(t *testing.T, handler http.HandlerFunc, timeout time.Duration) (*Dispatcher, *registry.Registry, *clock.FakeClock, types.ToolRef) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	reg := registry.New(clk, 30*time.Second, discard())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	_, err := reg.Register(context.Background(), registry.RegisterInput{
		Endpoint: endpoint,
		Name:     "weather",
		Tools:    []types.Tool{weatherTool},
	})
	require.NoError(t, err)

	d := New(reg, srv.Client(), timeout, "/tools/call", discard())
	return d, reg, clk, types.ToolRef{Endpoint: endpoint, Tool: "get_weather"}
}

func TestDispatch_PostsToolCall(t *testing.T) {
	var got CallRequest
	d, _, _, ref := setup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tools/call", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"success","result":{"temp":21}}`))
	}, time.Second)

	res, err := d.Dispatch(context.Background(), ref, json.RawMessage(`{"city":"Kyoto"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","result":{"temp":21}}`, string(res))
	assert.Equal(t, "get_weather", got.ToolName)
	assert.Equal(t, "Kyoto", got.Arguments["city"])
}

func TestDispatch_Timeout(t *testing.T) {
	d, _, _, ref := setup(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}, 50*time.Millisecond)

	start := time.Now()
	_, err := d.Dispatch(context.Background(), ref, json.RawMessage(`{"city":"Kyoto"}`))
	require.Error(t, err)
	assert.Equal(t, apperr.KindDispatchTimeout, apperr.KindOf(err))
	assert.Less(t, time.Since(start), time.Second)
}

func TestDispatch_TransportErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http 500": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		},
		"plugin error body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"status":"error","message":"city unknown"}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			d, _, _, ref := setup(t, h, time.Second)
			_, err := d.Dispatch(context.Background(), ref, json.RawMessage(`{"city":"Atlantis"}`))
			assert.Equal(t, apperr.KindDispatchTransport, apperr.KindOf(err))
		})
	}
}

func TestDispatch_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	reg := registry.New(clock.Real(), 30*time.Second, discard())
	_, err := reg.Register(context.Background(), registry.RegisterInput{Endpoint: endpoint, Name: "gone", Tools: []types.Tool{weatherTool}})
	require.NoError(t, err)

	d := New(reg, nil, time.Second, "", discard())
	_, err = d.Dispatch(context.Background(), types.ToolRef{Endpoint: endpoint, Tool: "get_weather"}, json.RawMessage(`{"city":"x"}`))
	assert.Equal(t, apperr.KindDispatchTransport, apperr.KindOf(err))
}

func TestDispatch_ReapedPluginMakesNoNetworkCall(t *testing.T) {
	var calls atomic.Int32
	d, reg, clk, ref := setup(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{}`))
	}, time.Second)

	clk.Advance(31 * time.Second)
	require.Len(t, reg.Reap(clk.Now()), 1)

	_, err := d.Dispatch(context.Background(), ref, json.RawMessage(`{"city":"Kyoto"}`))
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	assert.Zero(t, calls.Load())
}

func TestDispatch_ValidatesArguments(t *testing.T) {
	var calls atomic.Int32
	d, _, _, ref := setup(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}, time.Second)

	_, err := d.Dispatch(context.Background(), ref, json.RawMessage(`{}`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	_, err = d.Dispatch(context.Background(), ref, json.RawMessage(`[1,2]`))
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Zero(t, calls.Load())
}
