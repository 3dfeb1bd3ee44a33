package registry

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

const weatherEndpoint = "127.0.0.1:9001"

func newTestRegistry(t *testing.T) (*Registry, *clock.FakeClock, *log.Logger) {
	t.Helper()
	clk := clock.Fake(time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC))
	logger := log.NewWithOptions(io.Discard, log.Options{})
	return New(clk, 30*time.Second, logger), clk, logger
}

func tool(name string) types.Tool {
	return types.Tool{
		Name:        name,
		Description: name + " tool",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"q": map[string]any{"type": "string"}},
		},
	}
}

func toolNames(entries []types.ToolEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Endpoint+"/"+e.Tool.Name)
	}
	return out
}

func TestReapAfterTimeoutThenReRegister(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg, clk, logger := newTestRegistry(t)

	_, err := reg.Register(ctx, RegisterInput{Endpoint: weatherEndpoint, Name: "weather", Tools: []types.Tool{tool("get_weather")}})
	require.NoError(t, err)
	assert.Equal(t, []string{weatherEndpoint + "/get_weather"}, toolNames(reg.ListTools()))

	reaped := make(chan []types.Plugin, 1)
	mon := NewMonitor(reg, clk, 5*time.Second, logger)
	mon.OnReap = func(ps []types.Plugin) { reaped <- ps }
	go mon.Run(ctx)
	clk.WaitForTickers(1)

	clk.Advance(31 * time.Second)
	select {
	case ps := <-reaped:
		require.Len(t, ps, 1)
		assert.Equal(t, weatherEndpoint, ps[0].Endpoint)
		assert.Equal(t, types.PluginDead, ps[0].Status)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not reap the silent plugin")
	}
	assert.Empty(t, reg.ListTools())

	err = reg.Heartbeat(ctx, weatherEndpoint)
	assert.True(t, apperr.IsKind(err, apperr.KindNotFound), "heartbeat after reap must not resurrect")

	p, err := reg.Register(ctx, RegisterInput{Endpoint: weatherEndpoint, Name: "weather", Tools: []types.Tool{tool("set_timer")}})
	require.NoError(t, err)
	assert.Equal(t, clk.Now(), p.RegisteredAt)
	assert.Equal(t, []string{weatherEndpoint + "/set_timer"}, toolNames(reg.ListTools()))
}

func TestFreshHeartbeatPreventsReap(t *testing.T) {
	ctx := context.Background()
	reg, clk, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, RegisterInput{Endpoint: weatherEndpoint, Name: "weather"})
	require.NoError(t, err)

	clk.Advance(29 * time.Second)
	require.NoError(t, reg.Heartbeat(ctx, weatherEndpoint))
	clk.Advance(2 * time.Second)
	assert.Empty(t, reg.Reap(clk.Now()))

	// now - last == timeout is still alive.
	clk.Advance(28 * time.Second)
	assert.Empty(t, reg.Reap(clk.Now()))

	clk.Advance(time.Nanosecond)
	assert.Len(t, reg.Reap(clk.Now()), 1)
}

func TestReRegisterReplacesWholeEntry(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	_, err := reg.Register(ctx, RegisterInput{
		Endpoint:     weatherEndpoint,
		Name:         "weather",
		Tools:        []types.Tool{tool("a"), tool("b")},
		Capabilities: []string{"event_push"},
	})
	require.NoError(t, err)
	_, err = reg.Register(ctx, RegisterInput{
		Endpoint:     weatherEndpoint,
		Name:         "weather-v2",
		Tools:        []types.Tool{tool("c")},
		Capabilities: []string{"realtime_tts", "realtime_tts"},
	})
	require.NoError(t, err)

	plugins := reg.Plugins()
	require.Len(t, plugins, 1)
	assert.Equal(t, "weather-v2", plugins[0].Name)
	assert.Equal(t, []string{"realtime_tts"}, plugins[0].Capabilities)
	assert.Equal(t, []string{weatherEndpoint + "/c"}, toolNames(reg.ListTools()))

	_, ok := reg.Lookup(types.ToolRef{Endpoint: weatherEndpoint, Tool: "a"})
	assert.False(t, ok)
}

func TestRegisterValidation(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)

	cases := map[string]RegisterInput{
		"missing endpoint": {Name: "x"},
		"missing name":     {Endpoint: weatherEndpoint},
		"duplicate tool":   {Endpoint: weatherEndpoint, Name: "x", Tools: []types.Tool{tool("a"), tool("a")}},
		"bad schema": {Endpoint: weatherEndpoint, Name: "x", Tools: []types.Tool{{
			Name:       "a",
			Parameters: map[string]any{"type": "array"},
		}}},
	}
	for name, in := range cases {
		_, err := reg.Register(ctx, in)
		assert.True(t, apperr.IsKind(err, apperr.KindValidation), name)
	}
	assert.Empty(t, reg.Plugins())
}

func TestReadersSeeConsistentToolLists(t *testing.T) {
	ctx := context.Background()
	reg, _, _ := newTestRegistry(t)
	v1 := RegisterInput{Endpoint: weatherEndpoint, Name: "w", Tools: []types.Tool{tool("a1"), tool("a2")}}
	v2 := RegisterInput{Endpoint: weatherEndpoint, Name: "w", Tools: []types.Tool{tool("b1"), tool("b2"), tool("b3")}}
	_, err := reg.Register(ctx, v1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			in := v1
			if i%2 == 0 {
				in = v2
			}
			_, _ = reg.Register(ctx, in)
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			return
		default:
		}
		names := toolNames(reg.ListTools())
		if len(names) != 2 && len(names) != 3 {
			t.Fatalf("observed torn tool list: %v", names)
		}
		prefix := names[0][len(weatherEndpoint)+1:][:1]
		for _, n := range names {
			if n[len(weatherEndpoint)+1:][:1] != prefix {
				t.Fatalf("observed mixed tool list: %v", names)
			}
		}
	}
}
