package plugins

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/revskill10/openagent-cli-sub002/internal/logging"
	"github.com/revskill10/openagent-cli-sub002/internal/tools"
)

// Plugin statuses.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusStopped   = "stopped"
)

const (
	handshakeTimeout = 10 * time.Second
	// unhealthyAfter consecutive failed pings mark a plugin unhealthy.
	unhealthyAfter = 3
)

// Registrar receives the tools a plugin exposes.
type Registrar interface {
	Register(tool tools.Tool) error
}

// Manager connects to MCP tool servers and registers each of their tools as
// "<plugin>.<tool>".
type Manager struct {
	registry Registrar
	logger   *slog.Logger
	version  string

	mu      sync.RWMutex
	plugins map[string]*managedPlugin
}

type managedPlugin struct {
	name     string
	client   Client
	tools    []string
	status   string
	errCount int
	lastErr  string
}

// NewManager creates a Manager registering into registry.
func NewManager(registry Registrar, logger *slog.Logger, version string) *Manager {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		registry: registry,
		logger:   logger,
		version:  version,
		plugins:  make(map[string]*managedPlugin),
	}
}

// Load starts cfg.Command and attaches it. It returns the number of tools
// registered.
func (m *Manager) Load(ctx context.Context, cfg Config) (int, error) {
	if cfg.Name == "" || cfg.Command == "" {
		return 0, fmt.Errorf("plugin needs a name and a command")
	}
	c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
	if err != nil {
		return 0, fmt.Errorf("start plugin %q: %w", cfg.Name, err)
	}
	n, err := m.Attach(ctx, cfg.Name, c)
	if err != nil {
		_ = c.Close()
		return 0, err
	}
	return n, nil
}

// Attach performs the MCP handshake on a started client, lists its tools and
// registers them.
func (m *Manager) Attach(ctx context.Context, name string, c Client) (int, error) {
	m.mu.Lock()
	if _, exists := m.plugins[name]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("plugin %q already loaded", name)
	}
	mp := &managedPlugin{name: name, client: c, status: StatusHealthy}
	m.plugins[name] = mp
	m.mu.Unlock()

	n, err := m.discover(ctx, mp)
	if err != nil {
		m.mu.Lock()
		delete(m.plugins, name)
		m.mu.Unlock()
		return 0, err
	}
	m.logger.Info("plugin loaded", slog.String("plugin", name), slog.Int("tools", n))
	return n, nil
}

func (m *Manager) discover(ctx context.Context, mp *managedPlugin) (int, error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	init := mcp.InitializeRequest{}
	init.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	init.Params.ClientInfo = mcp.Implementation{Name: "openagent", Version: m.version}
	if _, err := mp.client.Initialize(hctx, init); err != nil {
		return 0, fmt.Errorf("handshake with plugin %q: %w", mp.name, err)
	}

	listed, err := mp.client.ListTools(hctx, mcp.ListToolsRequest{})
	if err != nil {
		return 0, fmt.Errorf("list tools of plugin %q: %w", mp.name, err)
	}

	var names []string
	for _, t := range listed.Tools {
		rt := &remoteTool{
			name:        mp.name + "." + t.Name,
			remote:      t.Name,
			description: t.Description,
			plugin:      mp.name,
			manager:     m,
		}
		if err := m.registry.Register(rt); err != nil {
			return len(names), fmt.Errorf("register %s: %w", rt.name, err)
		}
		names = append(names, rt.name)
	}

	m.mu.Lock()
	mp.tools = names
	m.mu.Unlock()
	return len(names), nil
}

// client returns the live client of a plugin, or an error once it stopped.
func (m *Manager) client(name string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mp, ok := m.plugins[name]
	if !ok || mp.status == StatusStopped {
		return nil, fmt.Errorf("plugin %q is not running", name)
	}
	return mp.client, nil
}

// Check pings every plugin once. After unhealthyAfter consecutive failures a
// plugin is marked unhealthy; a successful ping restores it.
func (m *Manager) Check(ctx context.Context) {
	m.mu.RLock()
	plugins := make([]*managedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		plugins = append(plugins, mp)
	}
	m.mu.RUnlock()

	for _, mp := range plugins {
		err := mp.client.Ping(ctx)

		m.mu.Lock()
		if mp.status == StatusStopped {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			mp.errCount++
			mp.lastErr = err.Error()
			if mp.errCount >= unhealthyAfter && mp.status != StatusUnhealthy {
				mp.status = StatusUnhealthy
				m.logger.Warn("plugin unhealthy",
					slog.String("plugin", mp.name),
					slog.Int("consecutive_errors", mp.errCount),
					slog.String("error", mp.lastErr),
				)
			}
		} else {
			if mp.status == StatusUnhealthy {
				m.logger.Info("plugin recovered", slog.String("plugin", mp.name))
			}
			mp.errCount = 0
			mp.lastErr = ""
			mp.status = StatusHealthy
		}
		m.mu.Unlock()
	}
}

// Watch runs Check every interval until ctx ends.
func (m *Manager) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Info is a snapshot of one plugin.
type Info struct {
	Name      string   `json:"name"`
	Status    string   `json:"status"`
	Tools     []string `json:"tools"`
	LastError string   `json:"last_error,omitempty"`
}

// Status returns every plugin, sorted by name.
func (m *Manager) Status() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.plugins))
	for _, mp := range m.plugins {
		out = append(out, Info{
			Name:      mp.name,
			Status:    mp.status,
			Tools:     append([]string(nil), mp.tools...),
			LastError: mp.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every plugin. Their tools stay registered but fail when called.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, mp := range m.plugins {
		if mp.status == StatusStopped {
			continue
		}
		mp.status = StatusStopped
		if err := mp.client.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close plugin %q: %w", mp.name, err))
		}
	}
	return errors.Join(errs...)
}
