package multiplexer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbox/mcpbox/pkg/config"
)

// fakeSession is an in-memory stand-in for a child MCP server.
type fakeSession struct {
	mu        sync.Mutex
	tools     []*mcp.Tool
	resources []*mcp.Resource
	prompts   []*mcp.Prompt

	toolCalls     []string
	resourceReads []string
	promptGets    []string
	completeRefs  []*mcp.CompleteReference

	pingErr    error
	closed     bool
	closeDelay time.Duration
}

func (f *fakeSession) ListTools(_ context.Context, _ *mcp.ListToolsParams) (*mcp.ListToolsResult, error) {
	return &mcp.ListToolsResult{Tools: f.tools}, nil
}

func (f *fakeSession) CallTool(_ context.Context, params *mcp.CallToolParams) (*mcp.CallToolResult, error) {
	f.mu.Lock()
	f.toolCalls = append(f.toolCalls, params.Name)
	f.mu.Unlock()

	switch params.Name {
	case "echo":
		args := params.Arguments.(map[string]any)
		return textResult(fmt.Sprint(args["text"])), nil
	case "add":
		args := params.Arguments.(map[string]any)
		return textResult(fmt.Sprint(args["a"].(int) + args["b"].(int))), nil
	case "fail":
		return nil, errors.New("tool exploded")
	case "x":
		return textResult("x"), nil
	default:
		return nil, fmt.Errorf("no such tool %s", params.Name)
	}
}

func (f *fakeSession) ListResources(_ context.Context, _ *mcp.ListResourcesParams) (*mcp.ListResourcesResult, error) {
	if f.resources == nil {
		return nil, errors.New("resources not supported")
	}
	return &mcp.ListResourcesResult{Resources: f.resources}, nil
}

func (f *fakeSession) ReadResource(_ context.Context, params *mcp.ReadResourceParams) (*mcp.ReadResourceResult, error) {
	f.mu.Lock()
	f.resourceReads = append(f.resourceReads, params.URI)
	f.mu.Unlock()
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{URI: params.URI, Text: "contents"}},
	}, nil
}

func (f *fakeSession) ListPrompts(_ context.Context, _ *mcp.ListPromptsParams) (*mcp.ListPromptsResult, error) {
	if f.prompts == nil {
		return nil, errors.New("prompts not supported")
	}
	return &mcp.ListPromptsResult{Prompts: f.prompts}, nil
}

func (f *fakeSession) GetPrompt(_ context.Context, params *mcp.GetPromptParams) (*mcp.GetPromptResult, error) {
	f.mu.Lock()
	f.promptGets = append(f.promptGets, params.Name)
	f.mu.Unlock()
	return &mcp.GetPromptResult{Description: "prompt " + params.Name}, nil
}

func (f *fakeSession) Complete(_ context.Context, params *mcp.CompleteParams) (*mcp.CompleteResult, error) {
	f.mu.Lock()
	f.completeRefs = append(f.completeRefs, params.Ref)
	f.mu.Unlock()
	return &mcp.CompleteResult{}, nil
}

func (f *fakeSession) Ping(_ context.Context, _ *mcp.PingParams) error {
	return f.pingErr
}

func (f *fakeSession) Close() error {
	time.Sleep(f.closeDelay)
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Wait() error { return nil }

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}
}

func tools(names ...string) []*mcp.Tool {
	out := make([]*mcp.Tool, 0, len(names))
	for _, name := range names {
		out = append(out, &mcp.Tool{Name: name})
	}
	return out
}

func startMultiplexer(t *testing.T, servers map[string]config.MCPServerConfig, sessions map[string]*fakeSession) *Multiplexer {
	t.Helper()

	m := New(servers, Options{ClientVersion: "test"})
	m.connect = func(_ context.Context, name string, _ config.MCPServerConfig, _ Options) (session, error) {
		sess, ok := sessions[name]
		if !ok {
			return nil, errors.New("spawn failed")
		}
		return sess, nil
	}
	m.Start(context.Background())
	return m
}

func mockServers(names ...string) map[string]config.MCPServerConfig {
	servers := make(map[string]config.MCPServerConfig, len(names))
	for _, name := range names {
		servers[name] = config.MCPServerConfig{Command: "unused"}
	}
	return servers
}

func TestNamespacedCatalogue(t *testing.T) {
	mock := &fakeSession{tools: tools("echo", "add", "fail")}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	listed := m.ListTools()
	require.Len(t, listed, 3)
	names := []string{listed[0].Name, listed[1].Name, listed[2].Name}
	assert.Equal(t, []string{"mock__echo", "mock__add", "mock__fail"}, names)
}

func TestCallToolRouting(t *testing.T) {
	mock := &fakeSession{tools: tools("echo", "add", "fail")}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	result, err := m.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "mock__add",
		Arguments: map[string]any{"a": 5, "b": 3},
	})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "8", result.Content[0].(*mcp.TextContent).Text)
	assert.Equal(t, []string{"add"}, mock.toolCalls, "child sees its original tool name")
}

func TestCallToolDownstreamError(t *testing.T) {
	mock := &fakeSession{tools: tools("fail")}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "mock__fail"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool exploded")
}

func TestUnknownTool(t *testing.T) {
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": {tools: tools("echo")}})

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "ghost__doNothing"})
	require.Error(t, err)
	assert.Equal(t, "Unknown tool: ghost__doNothing", err.Error())
}

func TestCollisionFreedom(t *testing.T) {
	a := &fakeSession{tools: tools("x")}
	b := &fakeSession{tools: tools("x")}
	m := startMultiplexer(t, mockServers("a", "b"), map[string]*fakeSession{"a": a, "b": b})

	listed := m.ListTools()
	require.Len(t, listed, 2)
	assert.Equal(t, "a__x", listed[0].Name)
	assert.Equal(t, "b__x", listed[1].Name)

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "b__x"})
	require.NoError(t, err)
	assert.Empty(t, a.toolCalls)
	assert.Equal(t, []string{"x"}, b.toolCalls)
}

func TestToolAllowlist(t *testing.T) {
	mock := &fakeSession{tools: tools("echo", "add", "fail")}
	servers := map[string]config.MCPServerConfig{
		"mock": {Command: "unused", Tools: []string{"echo", "missing"}},
	}
	m := startMultiplexer(t, servers, map[string]*fakeSession{"mock": mock})

	listed := m.ListTools()
	require.Len(t, listed, 1)
	assert.Equal(t, "mock__echo", listed[0].Name)

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "mock__add"})
	require.Error(t, err)
	assert.Equal(t, "Unknown tool: mock__add", err.Error())
}

func TestFailedChildIsSkipped(t *testing.T) {
	healthy := &fakeSession{tools: tools("echo")}
	m := startMultiplexer(t, mockServers("broken", "healthy"), map[string]*fakeSession{"healthy": healthy})

	listed := m.ListTools()
	require.Len(t, listed, 1)
	assert.Equal(t, "healthy__echo", listed[0].Name)

	statuses := m.Status(context.Background())
	require.Len(t, statuses, 2)
	assert.Equal(t, "broken", statuses[0].Name)
	assert.Equal(t, "failed", statuses[0].State)
	assert.Equal(t, "down", statuses[0].Status)
	assert.NotEmpty(t, statuses[0].Error)
	assert.Equal(t, "ready", statuses[1].State)
	assert.Equal(t, "up", statuses[1].Status)
}

func TestResourceAndPromptRouting(t *testing.T) {
	mock := &fakeSession{
		tools:     tools("echo"),
		resources: []*mcp.Resource{{URI: "file:///data.txt", Name: "data"}},
		prompts:   []*mcp.Prompt{{Name: "greet"}},
	}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	resources := m.ListResources()
	require.Len(t, resources, 1)
	assert.Equal(t, "mock__file:///data.txt", resources[0].URI)

	prompts := m.ListPrompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "mock__greet", prompts[0].Name)

	_, err := m.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "mock__file:///data.txt"})
	require.NoError(t, err)
	assert.Equal(t, []string{"file:///data.txt"}, mock.resourceReads)

	_, err = m.GetPrompt(context.Background(), &mcp.GetPromptParams{Name: "mock__greet"})
	require.NoError(t, err)
	assert.Equal(t, []string{"greet"}, mock.promptGets)

	_, err = m.ReadResource(context.Background(), &mcp.ReadResourceParams{URI: "mock__nope"})
	require.Error(t, err)
	assert.Equal(t, "Unknown resource: mock__nope", err.Error())

	_, err = m.GetPrompt(context.Background(), &mcp.GetPromptParams{Name: "mock__nope"})
	require.Error(t, err)
	assert.Equal(t, "Unknown prompt: mock__nope", err.Error())
}

func TestMissingResourceCapabilityTolerated(t *testing.T) {
	mock := &fakeSession{tools: tools("echo")}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	assert.Empty(t, m.ListResources())
	assert.Empty(t, m.ListPrompts())
	assert.Equal(t, "ready", m.Status(context.Background())[0].State)
}

func TestCompleteDiscriminatesOnRefType(t *testing.T) {
	mock := &fakeSession{
		tools:     tools("echo"),
		resources: []*mcp.Resource{{URI: "file:///data.txt"}},
		prompts:   []*mcp.Prompt{{Name: "greet"}},
	}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	_, err := m.Complete(context.Background(), &mcp.CompleteParams{
		Ref: &mcp.CompleteReference{Type: "ref/prompt", Name: "mock__greet"},
	})
	require.NoError(t, err)
	require.Len(t, mock.completeRefs, 1)
	assert.Equal(t, "greet", mock.completeRefs[0].Name)

	_, err = m.Complete(context.Background(), &mcp.CompleteParams{
		Ref: &mcp.CompleteReference{Type: "ref/resource", URI: "mock__file:///data.txt"},
	})
	require.NoError(t, err)
	require.Len(t, mock.completeRefs, 2)
	assert.Equal(t, "file:///data.txt", mock.completeRefs[1].URI)

	_, err = m.Complete(context.Background(), &mcp.CompleteParams{
		Ref: &mcp.CompleteReference{Type: "ref/prompt", Name: "ghost__greet"},
	})
	require.Error(t, err)
	assert.Equal(t, "Unknown prompt: ghost__greet", err.Error())

	_, err = m.Complete(context.Background(), &mcp.CompleteParams{
		Ref: &mcp.CompleteReference{Type: "ref/unknown"},
	})
	require.Error(t, err)
}

func TestStatusReportsPingFailure(t *testing.T) {
	mock := &fakeSession{tools: tools("echo"), pingErr: errors.New("pipe broken")}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	statuses := m.Status(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "down", statuses[0].Status)
	assert.Equal(t, "pipe broken", statuses[0].Error)
}

func TestClose(t *testing.T) {
	a := &fakeSession{tools: tools("x")}
	b := &fakeSession{tools: tools("x")}
	m := startMultiplexer(t, mockServers("a", "b"), map[string]*fakeSession{"a": a, "b": b})

	m.Close()

	assert.True(t, a.closed)
	assert.True(t, b.closed)

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "a__x"})
	require.Error(t, err, "routing indexes are cleared on shutdown")

	statuses := m.Status(context.Background())
	assert.Equal(t, "stopped", statuses[0].State)
	assert.Equal(t, "stopped", statuses[1].State)
}

func TestChildEnv(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("GATEWAY_DB_PASSWORD", "hunter2")

	env := childEnv(map[string]string{"B_VAR": "2", "A_VAR": "1"})

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.NotContains(t, env, "GATEWAY_DB_PASSWORD=hunter2", "children only inherit the base variables")

	n := len(env)
	require.GreaterOrEqual(t, n, 2)
	assert.Equal(t, []string{"A_VAR=1", "B_VAR=2"}, env[n-2:], "configured entries come last, in sorted order")

	override := childEnv(map[string]string{"PATH": "/opt/tools"})
	assert.Equal(t, "PATH=/opt/tools", override[len(override)-1], "configured entries win on conflict")
}

// TestCallsDuringClose keeps routed calls and list requests running while
// Close tears the children down. Run under the race detector this pins down
// the locking between the routing indexes and shutdown.
func TestCallsDuringClose(t *testing.T) {
	mock := &fakeSession{tools: tools("echo"), closeDelay: 20 * time.Millisecond}
	m := startMultiplexer(t, mockServers("mock"), map[string]*fakeSession{"mock": mock})

	done := make(chan struct{})
	var callers sync.WaitGroup
	for range 4 {
		callers.Add(1)
		go func() {
			defer callers.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_, _ = m.CallTool(context.Background(), &mcp.CallToolParams{
					Name:      "mock__echo",
					Arguments: map[string]any{"text": "hi"},
				})
				m.ListTools()
				m.Counts()
			}
		}()
	}

	m.Close()
	close(done)
	callers.Wait()

	_, err := m.CallTool(context.Background(), &mcp.CallToolParams{Name: "mock__echo"})
	require.Error(t, err)
	assert.Equal(t, "Unknown tool: mock__echo", err.Error())
}

func TestDoubleCloseForcesExit(t *testing.T) {
	exitCode := -1
	orig := osExit
	osExit = func(code int) { exitCode = code }
	t.Cleanup(func() { osExit = orig })

	m := startMultiplexer(t, mockServers("a"), map[string]*fakeSession{"a": {tools: tools("x")}})
	m.Close()
	m.Close()

	assert.Equal(t, 1, exitCode)
}
