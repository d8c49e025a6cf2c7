package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"codebridge-mcp-server/internal/config"
	"codebridge-mcp-server/internal/downstream"
)

// Source is the slice of the downstream pool the discovery service reads.
type Source interface {
	Names() []string
	Record(name string) (config.ServerRecord, bool)
	Available(name string) bool
	Started(name string) bool
	Tools(ctx context.Context, name string) ([]downstream.Tool, error)
	CachedTools(name string) []downstream.Tool
}

// Discovery answers the sandbox's catalog queries from pool metadata. It
// deliberately never pre-loads every tool schema into the outward MCP
// surface; callers page documentation in on demand.
type Discovery struct {
	src Source
}

// NewDiscovery creates a discovery service over the pool.
func NewDiscovery(src Source) *Discovery {
	return &Discovery{src: src}
}

// DiscoveredServers returns every known server name in load order.
func (d *Discovery) DiscoveredServers() []string {
	return d.src.Names()
}

// ListServers returns the servers that can be requested: known and not
// permanently broken.
func (d *Discovery) ListServers() []string {
	var out []string
	for _, name := range d.src.Names() {
		if d.src.Available(name) {
			out = append(out, name)
		}
	}
	return out
}

// ListTools returns the tool aliases for a loaded server, from cache only.
func (d *Discovery) ListTools(server string) ([]string, error) {
	if _, ok := d.src.Record(server); !ok {
		return nil, fmt.Errorf("discovery: %w: %s", downstream.ErrUnknownServer, server)
	}
	descs := Build(server, d.src.CachedTools(server))
	aliases := make([]string, 0, len(descs))
	for _, desc := range descs {
		aliases = append(aliases, desc.Alias)
	}
	return aliases, nil
}

// ToolDoc is one entry of a query_tool_docs answer. InputSchema is populated
// only at detail "full".
type ToolDoc struct {
	Server      string          `json:"server"`
	Tool        string          `json:"tool"`
	Alias       string          `json:"alias"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// QueryToolDocs returns documentation for a server's tools, optionally
// narrowed to one tool (matched by name or alias). A cold server is started
// just in time so its tool list can be fetched.
func (d *Discovery) QueryToolDocs(ctx context.Context, server, tool, detail string) ([]ToolDoc, error) {
	if _, ok := d.src.Record(server); !ok {
		return nil, fmt.Errorf("discovery: %w: %s", downstream.ErrUnknownServer, server)
	}

	tools, err := d.src.Tools(ctx, server)
	if err != nil {
		return nil, err
	}

	full := detail == "full"
	docs := make([]ToolDoc, 0, len(tools))
	for _, desc := range Build(server, tools) {
		if tool != "" && tool != desc.Tool && tool != desc.Alias {
			continue
		}
		doc := ToolDoc{
			Server:      desc.Server,
			Tool:        desc.Tool,
			Alias:       desc.Alias,
			Description: desc.Description,
		}
		if full {
			doc.InputSchema = desc.InputSchema
		}
		docs = append(docs, doc)
	}
	if tool != "" && len(docs) == 0 {
		return nil, fmt.Errorf("discovery: server %q has no tool %q", server, tool)
	}
	return docs, nil
}

// SearchHit is one ranked search result.
type SearchHit struct {
	Server      string  `json:"server"`
	Tool        string  `json:"tool"`
	Alias       string  `json:"alias"`
	Description string  `json:"description,omitempty"`
	Score       float64 `json:"score"`
}

// SearchToolDocs ranks cached tools against the query: substring hits on the
// name weigh most, then description substrings, then token overlap. Ties are
// broken by server order, then tool order.
func (d *Discovery) SearchToolDocs(query string, limit int) []SearchHit {
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []SearchHit{}
	}
	qTokens := tokenize(q)

	type scored struct {
		hit       SearchHit
		serverIdx int
		toolIdx   int
	}
	var hits []scored

	for si, name := range d.src.Names() {
		for ti, desc := range Build(name, d.src.CachedTools(name)) {
			score := 0.0
			loName := strings.ToLower(desc.Tool)
			loDesc := strings.ToLower(desc.Description)
			if strings.Contains(loName, q) || strings.Contains(desc.Alias, q) {
				score += 3
			}
			if strings.Contains(loDesc, q) {
				score += 1.5
			}
			overlap := 0
			docTokens := tokenize(loName + " " + desc.Alias + " " + loDesc)
			for t := range qTokens {
				if docTokens[t] {
					overlap++
				}
			}
			if len(qTokens) > 0 {
				score += float64(overlap) / float64(len(qTokens))
			}
			if score == 0 {
				continue
			}
			hits = append(hits, scored{
				hit: SearchHit{
					Server:      desc.Server,
					Tool:        desc.Tool,
					Alias:       desc.Alias,
					Description: desc.Description,
					Score:       score,
				},
				serverIdx: si,
				toolIdx:   ti,
			})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].hit.Score != hits[j].hit.Score {
			return hits[i].hit.Score > hits[j].hit.Score
		}
		if hits[i].serverIdx != hits[j].serverIdx {
			return hits[i].serverIdx < hits[j].serverIdx
		}
		return hits[i].toolIdx < hits[j].toolIdx
	})

	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]SearchHit, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.hit)
	}
	return out
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, t := range strings.FieldsFunc(s, func(r rune) bool {
		return !(r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'))
	}) {
		for _, part := range strings.Split(t, "_") {
			if part != "" {
				tokens[part] = true
			}
		}
	}
	return tokens
}

// ServerInfo is the describe_server answer: the launch record (minus its
// environment overlay, which may carry secrets) plus the cached tool list.
type ServerInfo struct {
	Name    string   `json:"name"`
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Cwd     string   `json:"cwd,omitempty"`
	Started bool     `json:"started"`
	Tools   []ToolDoc `json:"tools"`
}

// DescribeServer returns the record and cached tools for a known server.
func (d *Discovery) DescribeServer(name string) (ServerInfo, error) {
	rec, ok := d.src.Record(name)
	if !ok {
		return ServerInfo{}, fmt.Errorf("discovery: %w: %s", downstream.ErrUnknownServer, name)
	}
	info := ServerInfo{
		Name:    rec.Name,
		Command: rec.Command,
		Args:    rec.Args,
		Cwd:     rec.Cwd,
		Started: d.src.Started(name),
		Tools:   []ToolDoc{},
	}
	for _, desc := range Build(name, d.src.CachedTools(name)) {
		info.Tools = append(info.Tools, ToolDoc{
			Server:      desc.Server,
			Tool:        desc.Tool,
			Alias:       desc.Alias,
			Description: desc.Description,
		})
	}
	return info, nil
}

// CapabilitySummary returns the static paragraph served to sandboxes and on
// the capabilities resource.
func (d *Discovery) CapabilitySummary() string {
	return "This bridge executes Python snippets in a single-use network-isolated " +
		"container and proxies tool calls to the MCP servers requested for the " +
		"invocation. Inside the sandbox each exposed tool is callable as " +
		"mcp_<alias>(**kwargs), through mcp_servers[name].<alias>, or via the " +
		"mcp_tools.<server> module tree. The runtime namespace pages tool " +
		"documentation in on demand: discovered_servers, list_servers, " +
		"list_tools, query_tool_docs, search_tool_docs, describe_server, " +
		"capability_summary, list_loaded_server_metadata, and call_tool. " +
		"Synchronous *_sync variants answer from the invocation's cached " +
		"catalog without a round-trip."
}
