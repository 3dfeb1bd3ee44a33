// Package acp manages outbound connections to peer agents.
package acp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/xiy/agent-core/internal/apperr"
	"github.com/xiy/agent-core/internal/clock"
	"github.com/xiy/agent-core/pkg/types"
)

// InfoPath is where every agent advertises itself.
const InfoPath = "/api/v1/agent/info"

// Connector keeps at most one connection per alias. There is no liveness
// sweep for peers; a failed Ping removes the connection via MarkFailed.
type Connector struct {
	client  *http.Client
	timeout time.Duration
	clock   clock.Clock
	logger  *log.Logger

	mu    sync.Mutex
	conns map[string]types.AgentConnection
}

// New builds a Connector. A nil client uses http.DefaultClient.
func New(client *http.Client, timeout time.Duration, clk clock.Clock, logger *log.Logger) *Connector {
	if client == nil {
		client = http.DefaultClient
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Connector{client: client, timeout: timeout, clock: clk, logger: logger, conns: map[string]types.AgentConnection{}}
}

// Connect handshakes with the peer at endpoint and records it under alias.
func (c *Connector) Connect(ctx context.Context, endpoint, alias string) (types.AgentConnection, error) {
	const op = "acp connect"
	endpoint = strings.TrimSpace(endpoint)
	alias = strings.TrimSpace(alias)
	if endpoint == "" {
		return types.AgentConnection{}, apperr.Validation(op, "target_endpoint is required")
	}
	if alias == "" {
		return types.AgentConnection{}, apperr.Validation(op, "alias is required")
	}
	if _, ok := c.Get(alias); ok {
		return types.AgentConnection{}, apperr.New(apperr.KindRegistrationConflict, op, "alias %q already connected", alias)
	}

	info, err := c.fetchInfo(ctx, endpoint)
	if err != nil {
		return types.AgentConnection{}, err
	}

	conn := types.AgentConnection{
		Alias:       alias,
		Endpoint:    endpoint,
		Info:        info,
		Status:      types.ConnectionConnected,
		ConnectedAt: c.clock.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[alias]; ok {
		return types.AgentConnection{}, apperr.New(apperr.KindRegistrationConflict, op, "alias %q already connected", alias)
	}
	c.conns[alias] = conn
	c.logger.Info("peer agent connected", "alias", alias, "endpoint", endpoint, "agent", info.Name, "capabilities", len(info.Capabilities))
	return conn, nil
}

// Disconnect frees alias.
func (c *Connector) Disconnect(_ context.Context, alias string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[alias]; !ok {
		return apperr.NotFound("acp disconnect", "alias %q is not connected", alias)
	}
	delete(c.conns, alias)
	c.logger.Info("peer agent disconnected", "alias", alias)
	return nil
}

// MarkFailed drops a connection after a remote failure.
func (c *Connector) MarkFailed(alias string, cause error) {
	c.mu.Lock()
	_, ok := c.conns[alias]
	delete(c.conns, alias)
	c.mu.Unlock()
	if ok {
		c.logger.Warn("peer agent failed; connection dropped", "alias", alias, "error", cause)
	}
}

// Ping re-fetches the peer's agent info. On failure the connection is
// dropped and the error returned.
func (c *Connector) Ping(ctx context.Context, alias string) (types.AgentConnection, error) {
	conn, ok := c.Get(alias)
	if !ok {
		return types.AgentConnection{}, apperr.NotFound("acp ping", "alias %q is not connected", alias)
	}
	info, err := c.fetchInfo(ctx, conn.Endpoint)
	if err != nil {
		c.MarkFailed(alias, err)
		return types.AgentConnection{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.conns[alias]
	if !ok || cur.Endpoint != conn.Endpoint {
		return types.AgentConnection{}, apperr.NotFound("acp ping", "alias %q is not connected", alias)
	}
	cur.Info = info
	c.conns[alias] = cur
	return cur, nil
}

// Get returns the connection for alias.
func (c *Connector) Get(alias string) (types.AgentConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[alias]
	return conn, ok
}

// List returns connections ordered by alias.
func (c *Connector) List() []types.AgentConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AgentConnection, 0, len(c.conns))
	for _, conn := range c.conns {
		out = append(out, conn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

func (c *Connector) fetchInfo(ctx context.Context, endpoint string) (types.AgentInfo, error) {
	const op = "acp handshake"
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, baseURL(endpoint)+InfoPath, nil)
	if err != nil {
		return types.AgentInfo{}, apperr.Validation(op, "bad endpoint %q: %v", endpoint, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return types.AgentInfo{}, apperr.New(apperr.KindDispatchTimeout, op, "%s did not answer within %s", endpoint, c.timeout)
		}
		return types.AgentInfo{}, apperr.Wrap(apperr.KindDispatchTransport, op, fmt.Errorf("reach %s: %w", endpoint, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return types.AgentInfo{}, apperr.New(apperr.KindDispatchTransport, op, "%s returned HTTP %d", endpoint, resp.StatusCode)
	}
	var info types.AgentInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&info); err != nil {
		return types.AgentInfo{}, apperr.Wrap(apperr.KindDispatchTransport, op, fmt.Errorf("decode agent info: %w", err))
	}
	if info.Capabilities == nil {
		info.Capabilities = []string{}
	}
	return info, nil
}

func baseURL(endpoint string) string {
	if strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://") {
		return strings.TrimSuffix(endpoint, "/")
	}
	return "http://" + endpoint
}
