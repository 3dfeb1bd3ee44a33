package types

import "time"

// PluginStatus is the liveness state of a registered plugin.
type PluginStatus string

const (
	PluginAlive PluginStatus = "alive"
	PluginDead  PluginStatus = "dead"
)

// Well-known capability flags.
const (
	CapabilityEventPush         = "event_push"
	CapabilityRealtimeTTS       = "realtime_tts"
	CapabilityBackgroundService = "background_service"
)

// Tool is a named, schema-described callable owned by exactly one plugin.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Plugin is a registry entry. Values handed out by the registry are snapshots.
type Plugin struct {
	Endpoint      string       `json:"endpoint"`
	Name          string       `json:"name"`
	Tools         []Tool       `json:"tools"`
	Capabilities  []string     `json:"capabilities"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
	Status        PluginStatus `json:"status"`
}

// HasCapability reports whether the plugin declared flag.
func (p Plugin) HasCapability(flag string) bool {
	for _, c := range p.Capabilities {
		if c == flag {
			return true
		}
	}
	return false
}

// ToolRef is the catalog key of a plugin tool.
type ToolRef struct {
	Endpoint string `json:"endpoint"`
	Tool     string `json:"tool"`
}

// ToolEntry is one row of the registry's tool snapshot.
type ToolEntry struct {
	Tool       Tool   `json:"tool"`
	Endpoint   string `json:"from_endpoint"`
	PluginName string `json:"plugin_name"`
}

// Ref returns the catalog key for the entry.
func (e ToolEntry) Ref() ToolRef {
	return ToolRef{Endpoint: e.Endpoint, Tool: e.Tool.Name}
}

// AgentInfo describes an agent as advertised to peers.
type AgentInfo struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

// ConnectionStatus is the state of a peer-agent connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// AgentConnection is an outbound connection to a peer agent.
type AgentConnection struct {
	Alias       string           `json:"alias"`
	Endpoint    string           `json:"target_endpoint"`
	Info        AgentInfo        `json:"agent_info"`
	Status      ConnectionStatus `json:"status"`
	ConnectedAt time.Time        `json:"connected_at"`
}
