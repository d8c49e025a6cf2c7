package downstream

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"codebridge-mcp-server/internal/config"
)

// shutdownGrace bounds the whole pool shutdown, not each client.
const shutdownGrace = 5 * time.Second

// Pool is the thread-safe registry of downstream clients, keyed by server
// name. Clients start lazily at first reference and stay warm until bridge
// shutdown or failure. Start/close transitions are serialized per client;
// calls are reentrant.
type Pool struct {
	mu      sync.Mutex
	records map[string]config.ServerRecord
	order   []string
	clients map[string]*Client
	broken  map[string]bool // restart exhausted; excluded from ListServers

	// newClient is the test seam for fake transports.
	newClient func(config.ServerRecord) *Client
}

// NewPool creates a pool over the loaded server records. No processes are
// spawned until a server is first referenced.
func NewPool(records []config.ServerRecord) *Pool {
	p := &Pool{
		records:   make(map[string]config.ServerRecord, len(records)),
		clients:   make(map[string]*Client),
		broken:    make(map[string]bool),
		newClient: NewClient,
	}
	for _, rec := range records {
		if _, dup := p.records[rec.Name]; !dup {
			p.order = append(p.order, rec.Name)
		}
		p.records[rec.Name] = rec
	}
	return p
}

// Names returns all known server names in load order.
func (p *Pool) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Known reports whether a server name is configured.
func (p *Pool) Known(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.records[name]
	return ok
}

// Record returns the launch record for a known server.
func (p *Pool) Record(name string) (config.ServerRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[name]
	return rec, ok
}

// Available reports whether a server can still be requested: known and not
// permanently broken.
func (p *Pool) Available(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, known := p.records[name]
	return known && !p.broken[name]
}

// client returns (creating if needed) the client for a known name.
func (p *Pool) client(name string) (*Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.records[name]
	if !ok {
		return nil, false
	}
	c, ok := p.clients[name]
	if !ok {
		c = p.newClient(rec)
		p.clients[name] = c
	}
	return c, true
}

// Ensure starts every named server that is still cold. Unknown names fail
// fast, listing all of them, before anything is spawned.
func (p *Pool) Ensure(ctx context.Context, names []string) error {
	var missing []string
	for _, name := range names {
		if !p.Known(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("downstream: %w: %s", ErrUnknownServer, strings.Join(missing, ", "))
	}

	var errs []string
	for _, name := range names {
		if _, err := p.Get(ctx, name); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("downstream: ensure: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Get returns a ready client, starting or restarting it as needed. A failed
// client gets one automatic restart; if that restart also fails, the server
// is marked broken and callers see ErrUnavailable from then on.
func (p *Pool) Get(ctx context.Context, name string) (*Client, error) {
	c, ok := p.client(name)
	if !ok {
		return nil, fmt.Errorf("downstream: %w: %s", ErrUnknownServer, name)
	}

	p.mu.Lock()
	dead := p.broken[name]
	p.mu.Unlock()
	if dead {
		return nil, fmt.Errorf("downstream: server %q: %w", name, ErrUnavailable)
	}

	switch c.State() {
	case StateReady:
		return c, nil
	case StateCold, StateClosing:
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case StateFailed:
		// One automatic restart before the failure surfaces.
		log.Printf("[Pool] restarting failed server %q", name)
		if err := c.Start(ctx); err != nil {
			p.mu.Lock()
			p.broken[name] = true
			p.mu.Unlock()
			return nil, fmt.Errorf("downstream: restart %q: %v: %w", name, err, ErrUnavailable)
		}
		return c, nil
	default: // StateStarting: Start serializes on startMu and settles the race.
		if err := c.Start(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Call forwards one tool call to a ready client.
func (p *Pool) Call(ctx context.Context, server, tool string, args map[string]any) (string, error) {
	c, err := p.Get(ctx, server)
	if err != nil {
		return "", err
	}
	return c.Call(ctx, tool, args)
}

// Tools returns the tool list for a server, starting it just in time.
func (p *Pool) Tools(ctx context.Context, name string) ([]Tool, error) {
	c, err := p.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return c.Tools(ctx)
}

// CachedTools returns whatever tool list is cached for a server without
// starting it. Nil for cold or unknown servers.
func (p *Pool) CachedTools(name string) []Tool {
	p.mu.Lock()
	c, ok := p.clients[name]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return c.CachedTools()
}

// Started reports whether the named server has a live session.
func (p *Pool) Started(name string) bool {
	p.mu.Lock()
	c, ok := p.clients[name]
	p.mu.Unlock()
	return ok && c.State() == StateReady
}

// Shutdown closes every client concurrently under one global grace period.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	clients := make([]*Client, 0, len(p.clients))
	for _, c := range p.clients {
		clients = append(clients, c)
	}
	p.clients = make(map[string]*Client)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range clients {
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			if err := c.Close(); err != nil {
				log.Printf("[Pool] close %q: %v", c.Name(), err)
			}
		}(c)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[Pool] shutdown grace period elapsed with clients still closing")
	}
	log.Printf("[Pool] all downstream connections closed")
}
