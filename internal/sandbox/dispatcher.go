package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"codebridge-mcp-server/internal/catalog"
	"codebridge-mcp-server/internal/downstream"
)

// Caller is the slice of the downstream pool the dispatcher needs.
type Caller interface {
	Known(name string) bool
	Call(ctx context.Context, server, tool string, args map[string]any) (string, error)
}

// Dispatcher demultiplexes request frames from one sandbox, routes them to
// the pool or to discovery, and writes response frames to the outbound
// queue. Multiple requests may be in flight; responses go out in completion
// order, exactly one per id.
type Dispatcher struct {
	requested map[string]bool
	order     []string
	pool      Caller
	disc      *catalog.Discovery
	out       chan<- Frame
	stop      <-chan struct{}
	deadline  time.Time

	mu       sync.Mutex
	resolved map[uint64]bool // ids that already got their one response
	pending  map[uint64]context.CancelFunc
	halted   bool
}

// NewDispatcher wires a dispatcher for one invocation. requested is the
// deduplicated server set the sandbox may call; deadline is the absolute
// invocation deadline; stop aborts outbound writes when the pumps die.
func NewDispatcher(requested []string, pool Caller, disc *catalog.Discovery, out chan<- Frame, stop <-chan struct{}, deadline time.Time) *Dispatcher {
	set := make(map[string]bool, len(requested))
	for _, name := range requested {
		set[name] = true
	}
	return &Dispatcher{
		requested: set,
		order:     requested,
		pool:      pool,
		disc:      disc,
		out:       out,
		stop:      stop,
		deadline:  deadline,
		resolved:  make(map[uint64]bool),
		pending:   make(map[uint64]context.CancelFunc),
	}
}

// Handle processes one inbound request frame. Each request is served on its
// own goroutine so a slow downstream call never blocks the channel.
func (d *Dispatcher) Handle(ctx context.Context, f Frame) {
	d.mu.Lock()
	if d.halted || d.resolved[f.ID] || d.pending[f.ID] != nil {
		// Past the deadline, or a duplicate id: the one response was (or
		// will be) written already.
		d.mu.Unlock()
		return
	}
	callCtx, cancel := context.WithDeadline(ctx, d.deadline)
	d.pending[f.ID] = cancel
	d.mu.Unlock()

	go func() {
		defer cancel()
		d.respond(f.ID, d.serve(callCtx, f))
	}()
}

// serve computes the response frame for one request.
func (d *Dispatcher) serve(ctx context.Context, f Frame) Frame {
	switch f.Method {
	case "call_tool":
		return d.serveCallTool(ctx, f)
	case "discovered_servers":
		return marshalOK(f.ID, d.disc.DiscoveredServers())
	case "list_servers":
		return marshalOK(f.ID, d.disc.ListServers())
	case "list_tools":
		var params struct {
			Server string `json:"server"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return ErrorResponse(f.ID, CodeInvalidRequest, "list_tools: "+err.Error())
		}
		aliases, err := d.disc.ListTools(params.Server)
		if err != nil {
			return errorFrom(f.ID, err)
		}
		return marshalOK(f.ID, aliases)
	case "query_tool_docs":
		var params struct {
			Server string `json:"server"`
			Tool   string `json:"tool"`
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return ErrorResponse(f.ID, CodeInvalidRequest, "query_tool_docs: "+err.Error())
		}
		docs, err := d.disc.QueryToolDocs(ctx, params.Server, params.Tool, params.Detail)
		if err != nil {
			return errorFrom(f.ID, err)
		}
		return marshalOK(f.ID, docs)
	case "search_tool_docs":
		var params struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return ErrorResponse(f.ID, CodeInvalidRequest, "search_tool_docs: "+err.Error())
		}
		return marshalOK(f.ID, d.disc.SearchToolDocs(params.Query, params.Limit))
	case "capability_summary":
		return marshalOK(f.ID, d.disc.CapabilitySummary())
	case "describe_server":
		var params struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(f.Params, &params); err != nil {
			return ErrorResponse(f.ID, CodeInvalidRequest, "describe_server: "+err.Error())
		}
		info, err := d.disc.DescribeServer(params.Name)
		if err != nil {
			return errorFrom(f.ID, err)
		}
		return marshalOK(f.ID, info)
	case "list_loaded_server_metadata":
		infos := make([]catalog.ServerInfo, 0, len(d.order))
		for _, name := range d.order {
			if info, err := d.disc.DescribeServer(name); err == nil {
				infos = append(infos, info)
			}
		}
		return marshalOK(f.ID, infos)
	default:
		return ErrorResponse(f.ID, CodeUnknownMethod, fmt.Sprintf("unrecognized request kind %q", f.Method))
	}
}

func (d *Dispatcher) serveCallTool(ctx context.Context, f Frame) Frame {
	var params struct {
		Server    string         `json:"server"`
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
		Timeout   float64        `json:"timeout"`
	}
	if err := json.Unmarshal(f.Params, &params); err != nil {
		return ErrorResponse(f.ID, CodeInvalidRequest, "call_tool: "+err.Error())
	}
	if params.Server == "" || params.Tool == "" {
		return ErrorResponse(f.ID, CodeInvalidRequest, "call_tool: server and tool are required")
	}

	// Only servers in the invocation's requested set are addressable; this
	// check precedes any pool access so unlisted servers see no traffic.
	if !d.requested[params.Server] {
		return ErrorResponse(f.ID, CodeUnknownServer,
			fmt.Sprintf("server %q is not in this invocation's requested set", params.Server))
	}
	if !d.pool.Known(params.Server) {
		return ErrorResponse(f.ID, CodeUnknownServer,
			fmt.Sprintf("server %q is not configured", params.Server))
	}

	// A per-call timeout is clamped to the invocation's remaining budget.
	if params.Timeout > 0 {
		perCall := time.Now().Add(time.Duration(params.Timeout * float64(time.Second)))
		if perCall.Before(d.deadline) {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, perCall)
			defer cancel()
		}
	}

	text, err := d.pool.Call(ctx, params.Server, params.Tool, params.Arguments)
	if err != nil {
		if ctx.Err() != nil && time.Now().After(d.deadline) {
			return ErrorResponse(f.ID, CodeSandboxTimeout, "invocation deadline reached")
		}
		return errorFrom(f.ID, err)
	}
	return marshalOK(f.ID, text)
}

// respond writes the one response for an id, unless the dispatcher already
// resolved it (deadline fail-all) or the pumps are gone.
func (d *Dispatcher) respond(id uint64, f Frame) {
	d.mu.Lock()
	if d.resolved[id] {
		d.mu.Unlock()
		return
	}
	d.resolved[id] = true
	delete(d.pending, id)
	d.mu.Unlock()

	select {
	case d.out <- f:
	case <-d.stop:
	}
}

// HaltPending stops accepting new requests and fails everything in flight
// with the given code. Used when the invocation deadline fires.
func (d *Dispatcher) HaltPending(code, message string) {
	d.mu.Lock()
	d.halted = true
	ids := make([]uint64, 0, len(d.pending))
	cancels := make([]context.CancelFunc, 0, len(d.pending))
	for id, cancel := range d.pending {
		ids = append(ids, id)
		cancels = append(cancels, cancel)
		d.resolved[id] = true
	}
	d.pending = make(map[uint64]context.CancelFunc)
	d.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, id := range ids {
		select {
		case d.out <- ErrorResponse(id, code, message):
		case <-d.stop:
			return
		}
	}
}

// marshalOK encodes a result value into a successful response frame.
func marshalOK(id uint64, v any) Frame {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[Dispatcher] encode result for id %d: %v", id, err)
		return ErrorResponse(id, CodeProtocolError, "result not serializable")
	}
	return OKResponse(id, data)
}

// errorFrom maps pool and discovery errors onto the stable frame codes.
func errorFrom(id uint64, err error) Frame {
	var callErr *downstream.CallError
	switch {
	case errors.As(err, &callErr):
		return ErrorResponse(id, CodeDownstreamError, callErr.Message)
	case errors.Is(err, downstream.ErrUnknownServer):
		return ErrorResponse(id, CodeUnknownServer, err.Error())
	case errors.Is(err, downstream.ErrUnavailable):
		return ErrorResponse(id, CodeUnavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorResponse(id, CodeSandboxTimeout, "invocation deadline reached")
	default:
		return ErrorResponse(id, CodeDownstreamError, err.Error())
	}
}
