package acp

import (
	"context"
	"encoding/json"
	"errors"
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
	"github.com/xiy/agent-core/pkg/types"
)

func peer(t *testing.T, info types.AgentInfo, hits *atomic.Int32) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != InfoPath {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(info)
	}))
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newConnector() *Connector {
	return New(nil, time.Second, nil, log.NewWithOptions(io.Discard, log.Options{}))
}

func TestConnect_RecordsPeerCapabilities(t *testing.T) {
	ep := peer(t, types.AgentInfo{Name: "helper", Version: "1.2.0", Capabilities: []string{"chat", "memory"}}, nil)
	c := newConnector()

	conn, err := c.Connect(context.Background(), ep, "helper")
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionConnected, conn.Status)
	assert.Equal(t, []string{"chat", "memory"}, conn.Info.Capabilities)

	got, ok := c.Get("helper")
	require.True(t, ok)
	assert.Equal(t, ep, got.Endpoint)
	assert.Len(t, c.List(), 1)
}

func TestConnect_AliasConflictSkipsHandshake(t *testing.T) {
	var hits atomic.Int32
	ep := peer(t, types.AgentInfo{Name: "helper"}, &hits)
	c := newConnector()

	_, err := c.Connect(context.Background(), ep, "helper")
	require.NoError(t, err)
	_, err = c.Connect(context.Background(), ep, "helper")
	assert.Equal(t, apperr.KindRegistrationConflict, apperr.KindOf(err))
	assert.Equal(t, int32(1), hits.Load())

	require.NoError(t, c.Disconnect(context.Background(), "helper"))
	_, err = c.Connect(context.Background(), ep, "helper")
	assert.NoError(t, err, "alias is reusable after disconnect")
}

func TestConnect_UnreachablePeerRecordsNothing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	ep := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	c := newConnector()
	_, err := c.Connect(context.Background(), ep, "ghost")
	assert.Equal(t, apperr.KindDispatchTransport, apperr.KindOf(err))
	assert.Empty(t, c.List())
}

func TestDisconnectUnknownAndMarkFailed(t *testing.T) {
	ep := peer(t, types.AgentInfo{Name: "helper"}, nil)
	c := newConnector()

	err := c.Disconnect(context.Background(), "nobody")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = c.Connect(context.Background(), ep, "helper")
	require.NoError(t, err)
	c.MarkFailed("helper", errors.New("connection reset"))
	_, ok := c.Get("helper")
	assert.False(t, ok)
}

func TestPing_RefreshesInfoThenDropsUnreachablePeer(t *testing.T) {
	var version atomic.Value
	version.Store("1.0.0")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(types.AgentInfo{Name: "helper", Version: version.Load().(string)})
	}))
	c := newConnector()

	_, err := c.Connect(context.Background(), srv.URL, "helper")
	require.NoError(t, err)

	version.Store("1.1.0")
	conn, err := c.Ping(context.Background(), "helper")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", conn.Info.Version)
	got, _ := c.Get("helper")
	assert.Equal(t, "1.1.0", got.Info.Version)

	srv.Close()
	_, err = c.Ping(context.Background(), "helper")
	assert.Equal(t, apperr.KindDispatchTransport, apperr.KindOf(err))
	_, ok := c.Get("helper")
	assert.False(t, ok)

	_, err = c.Ping(context.Background(), "helper")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
