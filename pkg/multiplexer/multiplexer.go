// Package multiplexer supervises locally spawned MCP servers. Each child
// speaks MCP over its own stdio; the multiplexer performs the handshake,
// discovers tools, resources and prompts, merges them into one namespaced
// catalogue, and routes inbound calls to the owning child.
package multiplexer

import (
	"context"
	"fmt"
	"maps"
	"os"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/log"
	"github.com/mcpbox/mcpbox/pkg/namespace"
	"github.com/mcpbox/mcpbox/pkg/telemetry"
)

const pingTimeout = 5 * time.Second

// osExit is swapped out by tests.
var osExit = os.Exit

// session is the slice of *mcp.ClientSession the multiplexer depends on.
type session interface {
	ListTools(ctx context.Context, params *mcp.ListToolsParams) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error)
	ListResources(ctx context.Context, params *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error)
	ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error)
	ListPrompts(ctx context.Context, params *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error)
	GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error)
	Complete(ctx context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error)
	Ping(ctx context.Context, params *mcp.PingParams) error
	Close() error
	Wait() error
}

type connectFunc func(ctx context.Context, name string, cfg config.MCPServerConfig, opts Options) (session, error)

// Options tunes the multiplexer.
type Options struct {
	// MCPDebug forwards child stderr to the log, one line at a time.
	MCPDebug bool

	// ClientVersion is announced to children during the handshake.
	ClientVersion string
}

// Multiplexer owns the child table and the routing indexes. The indexes are
// written during Start and cleared during Close; indexMu keeps routed calls
// that are still draining safe against a concurrent shutdown.
type Multiplexer struct {
	children map[string]*child
	order    []string

	indexMu       sync.RWMutex
	toolIndex     map[string]string
	resourceIndex map[string]string
	promptIndex   map[string]string

	opts    Options
	connect connectFunc

	shuttingDown atomic.Bool
}

// New builds the child table from the configuration. Children are kept in
// name order so that list responses are deterministic.
func New(servers map[string]config.MCPServerConfig, opts Options) *Multiplexer {
	m := &Multiplexer{
		children:      make(map[string]*child, len(servers)),
		order:         slices.Sorted(maps.Keys(servers)),
		toolIndex:     make(map[string]string),
		resourceIndex: make(map[string]string),
		promptIndex:   make(map[string]string),
		opts:          opts,
		connect:       spawnSession,
	}
	for _, name := range m.order {
		m.children[name] = &child{name: name, cfg: servers[name], state: stateConfigured}
	}
	return m
}

// Start spawns every configured child concurrently. A child that fails to
// spawn, connect or hand-shake is marked failed and skipped; the remaining
// children keep the gateway useful.
func (m *Multiplexer) Start(ctx context.Context) {
	var group errgroup.Group
	group.SetLimit(runtime.NumCPU())
	for _, name := range m.order {
		c := m.children[name]
		group.Go(func() error {
			m.startChild(ctx, c)
			return nil
		})
	}
	_ = group.Wait()

	m.buildIndexes()

	ready, failed := 0, 0
	for _, name := range m.order {
		if m.children[name].currentState() == stateReady {
			ready++
		} else {
			failed++
		}
	}
	if failed > 0 {
		log.Warnf("started %d of %d MCP servers (%d failed)", ready, ready+failed, failed)
	} else if ready > 0 {
		log.Infof("started %d MCP servers", ready)
	}
}

func (m *Multiplexer) startChild(ctx context.Context, c *child) {
	c.setState(stateSpawning)
	sess, err := m.connect(ctx, c.name, c.cfg, m.opts)
	telemetry.RecordChildStart(ctx, c.name, err == nil)
	if err != nil {
		c.fail(err)
		log.Errorf("failed to start MCP server %s: %v", c.name, err)
		return
	}
	c.session = sess

	c.setState(stateHandshaking)
	if err := c.discover(ctx); err != nil {
		c.fail(err)
		log.Errorf("failed to start MCP server %s: %v", c.name, err)
		_ = sess.Close()
		return
	}

	c.setState(stateReady)
	log.Infof("MCP server %s ready (%d tools, %d resources, %d prompts)",
		c.name, len(c.tools), len(c.resources), len(c.prompts))
}

// buildIndexes rewrites every discovered identifier through the namespace
// codec and records its owner. Runs once, after all children settled.
func (m *Multiplexer) buildIndexes() {
	m.indexMu.Lock()
	defer m.indexMu.Unlock()
	for _, name := range m.order {
		c := m.children[name]
		if c.currentState() != stateReady {
			continue
		}
		for i, tool := range c.tools {
			renamed := *tool
			renamed.Name = namespace.Encode(c.name, tool.Name)
			c.tools[i] = &renamed
			m.toolIndex[renamed.Name] = c.name
		}
		for i, resource := range c.resources {
			renamed := *resource
			renamed.URI = namespace.Encode(c.name, resource.URI)
			c.resources[i] = &renamed
			m.resourceIndex[renamed.URI] = c.name
		}
		for i, prompt := range c.prompts {
			renamed := *prompt
			renamed.Name = namespace.Encode(c.name, prompt.Name)
			c.prompts[i] = &renamed
			m.promptIndex[renamed.Name] = c.name
		}
	}
}

// ListTools returns the merged tool catalogue.
func (m *Multiplexer) ListTools() []*mcp.Tool {
	var tools []*mcp.Tool
	for _, name := range m.order {
		tools = append(tools, m.children[name].tools...)
	}
	return tools
}

// ListResources returns the merged resource catalogue.
func (m *Multiplexer) ListResources() []*mcp.Resource {
	var resources []*mcp.Resource
	for _, name := range m.order {
		resources = append(resources, m.children[name].resources...)
	}
	return resources
}

// ListPrompts returns the merged prompt catalogue.
func (m *Multiplexer) ListPrompts() []*mcp.Prompt {
	var prompts []*mcp.Prompt
	for _, name := range m.order {
		prompts = append(prompts, m.children[name].prompts...)
	}
	return prompts
}

// CallTool routes a namespaced tool call to its owner, restoring the child's
// original tool name on the way down.
func (m *Multiplexer) CallTool(ctx context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	owner, ok := m.owner(m.toolIndex, params.Name)
	if !ok {
		return nil, fmt.Errorf("Unknown tool: %s", params.Name)
	}
	telemetry.RecordToolCall(ctx, owner)

	downstream := *params
	downstream.Name = namespace.Strip(owner, params.Name)
	return m.children[owner].session.CallTool(ctx, &downstream)
}

// ReadResource routes a namespaced resource read to its owner.
func (m *Multiplexer) ReadResource(ctx context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	owner, ok := m.owner(m.resourceIndex, params.URI)
	if !ok {
		return nil, fmt.Errorf("Unknown resource: %s", params.URI)
	}

	downstream := *params
	downstream.URI = namespace.Strip(owner, params.URI)
	return m.children[owner].session.ReadResource(ctx, &downstream)
}

// GetPrompt routes a namespaced prompt fetch to its owner.
func (m *Multiplexer) GetPrompt(ctx context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	owner, ok := m.owner(m.promptIndex, params.Name)
	if !ok {
		return nil, fmt.Errorf("Unknown prompt: %s", params.Name)
	}

	downstream := *params
	downstream.Name = namespace.Strip(owner, params.Name)
	return m.children[owner].session.GetPrompt(ctx, &downstream)
}

// Complete routes a completion request through the index matching its
// reference type.
func (m *Multiplexer) Complete(ctx context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error) {
	if params.Ref == nil {
		return nil, fmt.Errorf("completion reference is required")
	}

	downstream := *params
	ref := *params.Ref
	downstream.Ref = &ref

	var owner string
	switch ref.Type {
	case "ref/prompt":
		name, ok := m.owner(m.promptIndex, ref.Name)
		if !ok {
			return nil, fmt.Errorf("Unknown prompt: %s", ref.Name)
		}
		owner = name
		ref.Name = namespace.Strip(owner, ref.Name)
	case "ref/resource":
		name, ok := m.owner(m.resourceIndex, ref.URI)
		if !ok {
			return nil, fmt.Errorf("Unknown resource: %s", ref.URI)
		}
		owner = name
		ref.URI = namespace.Strip(owner, ref.URI)
	default:
		return nil, fmt.Errorf("unsupported completion reference type: %s", ref.Type)
	}

	return m.children[owner].session.Complete(ctx, &downstream)
}

// ChildStatus is one child's entry in the status report.
type ChildStatus struct {
	Name      string `json:"name"`
	State     string `json:"state"`
	Status    string `json:"status"`
	Tools     int    `json:"tools"`
	Resources int    `json:"resources"`
	Prompts   int    `json:"prompts"`
	Error     string `json:"error,omitempty"`
}

// Status pings every ready child and reports up or down plus catalogue
// counts.
func (m *Multiplexer) Status(ctx context.Context) []ChildStatus {
	statuses := make([]ChildStatus, 0, len(m.order))
	for _, name := range m.order {
		c := m.children[name]
		entry := ChildStatus{
			Name:      c.name,
			State:     c.currentState().String(),
			Status:    "down",
			Tools:     len(c.tools),
			Resources: len(c.resources),
			Prompts:   len(c.prompts),
		}
		if err := c.failureReason(); err != nil {
			entry.Error = err.Error()
		}
		if c.currentState() == stateReady {
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			if err := c.session.Ping(pingCtx, &mcp.PingParams{}); err == nil {
				entry.Status = "up"
			} else {
				entry.Error = err.Error()
			}
			cancel()
		}
		statuses = append(statuses, entry)
	}
	return statuses
}

// owner resolves a namespaced identifier to the child that serves it.
func (m *Multiplexer) owner(index map[string]string, key string) (string, bool) {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	name, ok := index[key]
	return name, ok
}

// Counts reports the merged catalogue sizes.
func (m *Multiplexer) Counts() (tools, resources, prompts int) {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return len(m.toolIndex), len(m.resourceIndex), len(m.promptIndex)
}

// Close shuts every child down concurrently and clears the routing indexes.
// A second call while shutdown is in progress logs and exits the process.
func (m *Multiplexer) Close() {
	if !m.shuttingDown.CompareAndSwap(false, true) {
		log.Errorf("forcing exit")
		osExit(1)
		return
	}

	var group sync.WaitGroup
	for _, name := range m.order {
		c := m.children[name]
		if c.session == nil {
			c.setState(stateStopped)
			continue
		}
		group.Add(1)
		go func() {
			defer group.Done()
			c.setState(stateStopping)
			if err := c.session.Close(); err != nil {
				log.Warnf("failed to close MCP server %s: %v", c.name, err)
			}
			if err := c.session.Wait(); err != nil {
				log.Warnf("MCP server %s exited: %v", c.name, err)
			}
			c.setState(stateStopped)
		}()
	}
	group.Wait()

	m.indexMu.Lock()
	clear(m.toolIndex)
	clear(m.resourceIndex)
	clear(m.promptIndex)
	m.indexMu.Unlock()
	log.Infof("all MCP servers stopped")
}
