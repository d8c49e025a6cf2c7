package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// ServerRecord describes how to launch one downstream MCP server.
// Records are immutable once loaded.
type ServerRecord struct {
	Name    string            // derived from the map key in the config file
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty"`
}

// serversFile mirrors the top-level structure of an mcp.json file.
type serversFile struct {
	MCPServers map[string]ServerRecord `json:"mcpServers"`
}

// LoadServers scans the ordered path list for mcp.json-style files and
// returns the merged server records. Missing files are skipped; a file that
// exists but does not parse is an error. When the same server name appears
// in multiple files the later file wins.
func LoadServers(paths []string) ([]ServerRecord, error) {
	byName := make(map[string]ServerRecord)
	var order []string

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: read servers file %s: %w", path, err)
		}

		var file serversFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("config: parse servers file %s: %w", path, err)
		}

		// Map iteration order is random; sort the keys so the record order
		// is stable across runs.
		names := make([]string, 0, len(file.MCPServers))
		for name := range file.MCPServers {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			rec := file.MCPServers[name]
			rec.Name = name
			if _, seen := byName[name]; !seen {
				order = append(order, name)
			}
			byName[name] = rec
		}
	}

	records := make([]ServerRecord, 0, len(order))
	for _, name := range order {
		rec := byName[name]
		if rec.Command == "" {
			return nil, fmt.Errorf("config: server %q has no command", name)
		}
		records = append(records, rec)
	}
	return records, nil
}

// EnvSlice renders the record's environment overlay as KEY=VALUE pairs in a
// stable order, the shape exec and the MCP client transport expect.
func (r ServerRecord) EnvSlice() []string {
	if len(r.Env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(r.Env))
	for k := range r.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+r.Env[k])
	}
	return out
}
