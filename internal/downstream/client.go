// Package downstream manages persistent stdio sessions to the MCP servers
// the bridge proxies. Each Client owns one child process; the Pool owns the
// set of clients and their restart policy.
package downstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	sdkclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	sdkmcp "github.com/mark3labs/mcp-go/mcp"

	"codebridge-mcp-server/internal/config"
)

// State tracks where a client is in its lifecycle.
type State string

const (
	StateCold     State = "cold"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateFailed   State = "failed"
	StateClosing  State = "closing"
)

// closeGrace bounds how long Close waits for a clean shutdown before the
// child is killed by the transport.
const closeGrace = 3 * time.Second

// Tool is the cached metadata for one tool exposed by a downstream server.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Client wraps one mcp-go stdio session to a downstream server.
// State transitions are serialized by startMu; reads go through mu.
type Client struct {
	rec config.ServerRecord

	// dial builds the transport. Overridable so tests can swap in an
	// in-process server.
	dial func() transport.Interface

	startMu sync.Mutex // serializes Start/Close transitions
	mu      sync.RWMutex
	state   State
	inner   *sdkclient.Client
	tools   []Tool
	stale   bool // downstream announced tools/list_changed
}

// NewClient creates a cold client for the given server record.
func NewClient(rec config.ServerRecord) *Client {
	c := &Client{rec: rec, state: StateCold}
	c.dial = c.stdioTransport
	return c
}

// newClientWithDial is the test seam: the transport factory replaces the
// child process.
func newClientWithDial(rec config.ServerRecord, dial func() transport.Interface) *Client {
	return &Client{rec: rec, state: StateCold, dial: dial}
}

func (c *Client) stdioTransport() transport.Interface {
	env := c.rec.EnvSlice()
	if c.rec.Cwd == "" {
		return transport.NewStdio(c.rec.Command, env, c.rec.Args...)
	}
	return transport.NewStdioWithOptions(c.rec.Command, env, c.rec.Args,
		transport.WithCommandFunc(func(ctx context.Context, command string, cmdEnv []string, args []string) (*exec.Cmd, error) {
			cmd := exec.CommandContext(ctx, command, args...)
			cmd.Env = append(os.Environ(), cmdEnv...)
			cmd.Dir = c.rec.Cwd
			return cmd, nil
		}))
}

// Name returns the configured server name.
func (c *Client) Name() string { return c.rec.Name }

// Record returns the immutable launch record.
func (c *Client) Record() config.ServerRecord { return c.rec }

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start spawns the child, performs the MCP initialize handshake, and primes
// the tool cache. It is idempotent for a ready client and an error for a
// closing one; a failed client may be restarted.
func (c *Client) Start(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	switch c.State() {
	case StateReady:
		return nil
	case StateClosing:
		return fmt.Errorf("downstream: server %q is shutting down", c.rec.Name)
	}
	c.setState(StateStarting)

	t := c.dial()
	if err := t.Start(ctx); err != nil {
		c.setState(StateFailed)
		return fmt.Errorf("downstream: start server %q: %w", c.rec.Name, err)
	}

	inner := sdkclient.NewClient(t)

	initReq := sdkmcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = sdkmcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = sdkmcp.Implementation{
		Name:    "codebridge-mcp",
		Version: "0.1.0",
	}
	if _, err := inner.Initialize(ctx, initReq); err != nil {
		_ = inner.Close()
		c.setState(StateFailed)
		return fmt.Errorf("downstream: initialize server %q: %w", c.rec.Name, err)
	}

	// Invalidate the tool cache when the server announces a change; the next
	// Tools call refreshes it.
	inner.OnNotification(func(n sdkmcp.JSONRPCNotification) {
		if n.Method != string(sdkmcp.MethodNotificationToolsListChanged) {
			return
		}
		c.mu.Lock()
		c.stale = true
		c.mu.Unlock()
		log.Printf("[Downstream] %s announced tools/list_changed", c.rec.Name)
	})

	c.forwardStderr(inner)

	tools, err := fetchTools(ctx, c.rec.Name, inner)
	if err != nil {
		_ = inner.Close()
		c.setState(StateFailed)
		return err
	}

	c.mu.Lock()
	c.inner = inner
	c.tools = tools
	c.stale = false
	c.state = StateReady
	c.mu.Unlock()
	return nil
}

// forwardStderr copies the child's stderr to the bridge log, one line at a
// time, annotated with the server name.
func (c *Client) forwardStderr(inner *sdkclient.Client) {
	stderr, ok := sdkclient.GetStderr(inner)
	if !ok || stderr == nil {
		return
	}
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Printf("[Downstream] %s stderr: %s", c.rec.Name, scanner.Text())
		}
	}()
}

func fetchTools(ctx context.Context, name string, inner *sdkclient.Client) ([]Tool, error) {
	result, err := inner.ListTools(ctx, sdkmcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("downstream: list tools for %q: %w", name, err)
	}
	tools := make([]Tool, 0, len(result.Tools))
	for _, t := range result.Tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage("{}")
		}
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
		})
	}
	return tools, nil
}

// Tools returns the cached tool list, refreshing it first when the server
// announced a change since the last fetch.
func (c *Client) Tools(ctx context.Context) ([]Tool, error) {
	c.mu.RLock()
	inner, stale, tools := c.inner, c.stale, c.tools
	c.mu.RUnlock()

	if inner == nil {
		return nil, fmt.Errorf("downstream: server %q not started", c.rec.Name)
	}
	if !stale {
		return tools, nil
	}

	fresh, err := fetchTools(ctx, c.rec.Name, inner)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tools = fresh
	c.stale = false
	c.mu.Unlock()
	return fresh, nil
}

// CachedTools returns the tool list without any downstream round-trip.
// Empty for a client that never reached ready.
func (c *Client) CachedTools() []Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// Call invokes the named tool and returns the concatenated text content.
// A tool-level error (a result flagged IsError) comes back as *CallError.
// Any other error from the call, a JSON-RPC error response included, flips
// the client to failed and wraps ErrUnavailable; JSON-RPC errors are not
// told apart from transport failures. A done ctx returns ctx.Err().
func (c *Client) Call(ctx context.Context, tool string, args map[string]any) (string, error) {
	c.mu.RLock()
	inner, state := c.inner, c.state
	c.mu.RUnlock()

	if inner == nil || state != StateReady {
		return "", fmt.Errorf("downstream: server %q not ready (%s): %w", c.rec.Name, state, ErrUnavailable)
	}

	req := sdkmcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = args

	result, err := inner.CallTool(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// A transport-level failure means the session is gone.
		c.setState(StateFailed)
		return "", fmt.Errorf("downstream: call %q on %q: %v: %w", tool, c.rec.Name, err, ErrUnavailable)
	}

	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(sdkmcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", &CallError{Server: c.rec.Name, Tool: tool, Message: text}
	}
	return text, nil
}

// Close shuts the session down, giving the child a bounded grace period.
// Safe to call in any state.
func (c *Client) Close() error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	inner := c.inner
	c.inner = nil
	c.state = StateClosing
	c.mu.Unlock()

	var err error
	if inner != nil {
		done := make(chan error, 1)
		go func() { done <- inner.Close() }()
		select {
		case err = <-done:
		case <-time.After(closeGrace):
			err = fmt.Errorf("downstream: close %q: grace period elapsed", c.rec.Name)
		}
	}
	c.setState(StateCold)
	return err
}
