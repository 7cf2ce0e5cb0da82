package multiplexer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"maps"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/mcpbox/mcpbox/pkg/config"
	"github.com/mcpbox/mcpbox/pkg/log"
)

type childState int

const (
	stateConfigured childState = iota
	stateSpawning
	stateHandshaking
	stateReady
	stateStopping
	stateStopped
	stateFailed
)

func (s childState) String() string {
	switch s {
	case stateConfigured:
		return "configured"
	case stateSpawning:
		return "spawning"
	case stateHandshaking:
		return "handshaking"
	case stateReady:
		return "ready"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// child is one managed MCP server. The catalogue slices hold namespaced
// descriptors once buildIndexes has run.
type child struct {
	name string
	cfg  config.MCPServerConfig

	mu      sync.Mutex
	state   childState
	failure error

	session   session
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt
}

func (c *child) setState(s childState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *child) currentState() childState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *child) fail(err error) {
	c.mu.Lock()
	c.state = stateFailed
	c.failure = err
	c.mu.Unlock()
}

func (c *child) failureReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// discover pulls the child's catalogue. Tools are mandatory; resources and
// prompts are best-effort since many servers do not implement them.
func (c *child) discover(ctx context.Context) error {
	tools, err := listAllTools(ctx, c.session)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	c.tools = filterTools(c.name, tools, c.cfg.Tools)

	if resources, err := listAllResources(ctx, c.session); err == nil {
		c.resources = resources
	}
	if prompts, err := listAllPrompts(ctx, c.session); err == nil {
		c.prompts = prompts
	}
	return nil
}

func listAllTools(ctx context.Context, sess session) ([]*mcp.Tool, error) {
	var all []*mcp.Tool
	var cursor string
	for {
		page, err := sess.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Tools...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func listAllResources(ctx context.Context, sess session) ([]*mcp.Resource, error) {
	var all []*mcp.Resource
	var cursor string
	for {
		page, err := sess.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Resources...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

func listAllPrompts(ctx context.Context, sess session) ([]*mcp.Prompt, error) {
	var all []*mcp.Prompt
	var cursor string
	for {
		page, err := sess.ListPrompts(ctx, &mcp.ListPromptsParams{Cursor: cursor})
		if err != nil {
			return nil, err
		}
		all = append(all, page.Prompts...)
		if page.NextCursor == "" {
			return all, nil
		}
		cursor = page.NextCursor
	}
}

// filterTools applies the configured allowlist. Allowlist entries that match
// no discovered tool are logged so typos surface at startup.
func filterTools(server string, tools []*mcp.Tool, allow []string) []*mcp.Tool {
	if len(allow) == 0 {
		return tools
	}

	allowed := make(map[string]bool, len(allow))
	for _, name := range allow {
		allowed[name] = true
	}

	kept := make([]*mcp.Tool, 0, len(allow))
	found := make(map[string]bool, len(allow))
	for _, tool := range tools {
		if allowed[tool.Name] {
			kept = append(kept, tool)
			found[tool.Name] = true
		}
	}
	for _, name := range allow {
		if !found[name] {
			log.Warnf("tool allowlist for %s names unknown tool %q", server, name)
		}
	}
	return kept
}

// spawnSession starts the configured command and connects an MCP client over
// its stdio. The command is not bound to ctx so that shutdown stays in the
// hands of Close.
func spawnSession(ctx context.Context, name string, cfg config.MCPServerConfig, opts Options) (session, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = childEnv(cfg.Env)

	if opts.MCPDebug {
		reader, writer := io.Pipe()
		cmd.Stderr = writer
		go forwardStderr(name, reader)
	} else {
		cmd.Stderr = io.Discard
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "mcpbox", Version: opts.ClientVersion}, nil)
	sess, err := client.Connect(ctx, &mcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return sess, nil
}

// baseEnvVars are the only gateway environment variables passed through to
// children. Everything else a child sees comes from its configured env.
var baseEnvVars = []string{"PATH", "HOME", "TMPDIR", "USER", "LANG"}

// childEnv builds the child environment: the minimal base plus the configured
// entries, which win on conflict. Entries are sorted so spawns are
// reproducible.
func childEnv(extra map[string]string) []string {
	env := make([]string, 0, len(baseEnvVars)+len(extra))
	for _, key := range baseEnvVars {
		if value, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+value)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, key+"="+extra[key])
	}
	return env
}

func forwardStderr(name string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		log.Debugf("[mcp:%s] %s", name, scanner.Text())
	}
}
