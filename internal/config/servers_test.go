package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func writeServersFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadServersNameFromKey(t *testing.T) {
	path := writeServersFile(t, "mcp.json", `{
		"mcpServers": {
			"stub": {
				"command": "python3",
				"args": ["stub.py"],
				"env": {"TOKEN": "x"},
				"cwd": "/srv/stub"
			}
		}
	}`)

	records, err := LoadServers([]string{path})
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Name != "stub" {
		t.Errorf("Name = %q, want stub", rec.Name)
	}
	if rec.Command != "python3" {
		t.Errorf("Command = %q", rec.Command)
	}
	if rec.Cwd != "/srv/stub" {
		t.Errorf("Cwd = %q", rec.Cwd)
	}
}

func TestLoadServersLastFileWins(t *testing.T) {
	first := writeServersFile(t, "a.json", `{"mcpServers": {"stub": {"command": "old"}, "extra": {"command": "keep"}}}`)
	second := writeServersFile(t, "b.json", `{"mcpServers": {"stub": {"command": "new"}}}`)

	records, err := LoadServers([]string{first, second})
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	byName := map[string]ServerRecord{}
	for _, rec := range records {
		byName[rec.Name] = rec
	}
	if byName["stub"].Command != "new" {
		t.Errorf("stub command = %q, want new", byName["stub"].Command)
	}
	if byName["extra"].Command != "keep" {
		t.Errorf("extra command = %q, want keep", byName["extra"].Command)
	}
}

func TestLoadServersMissingFileSkipped(t *testing.T) {
	path := writeServersFile(t, "mcp.json", `{"mcpServers": {"stub": {"command": "python3"}}}`)
	records, err := LoadServers([]string{filepath.Join(t.TempDir(), "absent.json"), path})
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 record, got %d", len(records))
	}
}

func TestLoadServersInvalidJSON(t *testing.T) {
	path := writeServersFile(t, "mcp.json", `{broken`)
	if _, err := LoadServers([]string{path}); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestLoadServersMissingCommand(t *testing.T) {
	path := writeServersFile(t, "mcp.json", `{"mcpServers": {"stub": {"args": ["x"]}}}`)
	if _, err := LoadServers([]string{path}); err == nil {
		t.Error("expected error for record without command")
	}
}

func TestLoadServersStableOrder(t *testing.T) {
	path := writeServersFile(t, "mcp.json", `{"mcpServers": {
		"zeta": {"command": "z"},
		"alpha": {"command": "a"},
		"mid": {"command": "m"}
	}}`)
	records, err := LoadServers([]string{path})
	if err != nil {
		t.Fatalf("LoadServers: %v", err)
	}
	var names []string
	for _, rec := range records {
		names = append(names, rec.Name)
	}
	if !reflect.DeepEqual(names, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("order = %v", names)
	}
}

func TestEnvSliceSorted(t *testing.T) {
	rec := ServerRecord{Env: map[string]string{"B": "2", "A": "1"}}
	got := rec.EnvSlice()
	want := []string{"A=1", "B=2"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("EnvSlice = %v, want %v", got, want)
	}
	if (ServerRecord{}).EnvSlice() != nil {
		t.Error("expected nil slice for empty env")
	}
}
