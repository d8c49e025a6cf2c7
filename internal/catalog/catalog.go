// Package catalog derives the in-sandbox tool surface from downstream
// metadata: sanitized aliases, the per-invocation catalog envelope, and the
// discovery operations the sandbox can query instead of carrying every tool
// schema in the outward MCP surface.
package catalog

import (
	"encoding/json"
	"fmt"
	"strings"

	"codebridge-mcp-server/internal/downstream"
)

// Descriptor is one exposed tool: the downstream identity plus the alias the
// sandbox addresses it by.
type Descriptor struct {
	Server      string          `json:"server"`
	Tool        string          `json:"name"`
	Alias       string          `json:"alias"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ServerEntry groups a server's descriptors for the envelope.
type ServerEntry struct {
	Name  string       `json:"name"`
	Tools []Descriptor `json:"tools"`
}

// Envelope is the serialized tool catalog injected into the sandbox
// environment. Server order follows the invocation's requested set.
type Envelope struct {
	Servers []ServerEntry `json:"servers"`
}

// Alias sanitizes a tool name into an identifier: lowercased, every run of
// characters outside [a-z0-9_] collapsed to a single underscore, and a
// leading digit guarded with an underscore.
func Alias(toolName string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(toolName) {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')
		if !ok {
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
			continue
		}
		b.WriteRune(r)
		lastUnderscore = r == '_'
	}
	alias := strings.Trim(b.String(), "_")
	if alias == "" {
		alias = "tool"
	}
	if alias[0] >= '0' && alias[0] <= '9' {
		alias = "_" + alias
	}
	return alias
}

// Build assembles descriptors for one server's tools, resolving alias
// collisions within the set by numeric suffixes in catalog order.
func Build(server string, tools []downstream.Tool) []Descriptor {
	taken := make(map[string]int)
	out := make([]Descriptor, 0, len(tools))
	for _, t := range tools {
		base := Alias(t.Name)
		n := taken[base]
		taken[base] = n + 1
		alias := base
		if n > 0 {
			alias = fmt.Sprintf("%s_%d", base, n+1)
		}
		out = append(out, Descriptor{
			Server:      server,
			Tool:        t.Name,
			Alias:       alias,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out
}

// BuildEnvelope assembles the catalog for the requested servers, in request
// order, from whatever tool lists are cached. Servers with no cached tools
// still appear so the sandbox can build their namespaces.
func BuildEnvelope(servers []string, cached func(string) []downstream.Tool) Envelope {
	env := Envelope{Servers: make([]ServerEntry, 0, len(servers))}
	for _, name := range servers {
		entry := ServerEntry{Name: name, Tools: Build(name, cached(name))}
		if entry.Tools == nil {
			entry.Tools = []Descriptor{}
		}
		env.Servers = append(env.Servers, entry)
	}
	return env
}

// Encode renders the envelope as the single-line JSON the sandbox reads from
// its environment.
func (e Envelope) Encode() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("catalog: encode envelope: %w", err)
	}
	return string(data), nil
}
