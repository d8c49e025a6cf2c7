package catalog

import (
	"encoding/json"
	"strings"
	"testing"

	"codebridge-mcp-server/internal/downstream"
)

func TestAlias(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"echo", "echo"},
		{"readFile", "readfile"},
		{"read-file", "read_file"},
		{"Read File!", "read_file"},
		{"read__file", "read__file"},
		{"weird///name", "weird_name"},
		{"7zip", "_7zip"},
		{"---", "tool"},
		{"", "tool"},
	}
	for _, tc := range cases {
		if got := Alias(tc.in); got != tc.want {
			t.Errorf("Alias(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestBuildCollisionSuffix(t *testing.T) {
	tools := []downstream.Tool{
		{Name: "read-file"},
		{Name: "read_file"},
		{Name: "Read File"},
	}
	descs := Build("fs", tools)
	if len(descs) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descs))
	}
	got := []string{descs[0].Alias, descs[1].Alias, descs[2].Alias}
	want := []string{"read_file", "read_file_2", "read_file_3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("alias[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestBuildEnvelopeKeepsRequestOrder(t *testing.T) {
	cached := func(name string) []downstream.Tool {
		if name == "stub" {
			return []downstream.Tool{{Name: "echo", Description: "echo a message"}}
		}
		return nil
	}
	env := BuildEnvelope([]string{"zeta", "stub"}, cached)
	if len(env.Servers) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(env.Servers))
	}
	if env.Servers[0].Name != "zeta" || env.Servers[1].Name != "stub" {
		t.Errorf("order = %s, %s", env.Servers[0].Name, env.Servers[1].Name)
	}
	// A server with no cached tools still appears, with an empty list.
	if env.Servers[0].Tools == nil || len(env.Servers[0].Tools) != 0 {
		t.Errorf("zeta tools = %v", env.Servers[0].Tools)
	}
	if len(env.Servers[1].Tools) != 1 || env.Servers[1].Tools[0].Alias != "echo" {
		t.Errorf("stub tools = %v", env.Servers[1].Tools)
	}
}

func TestEnvelopeEncodeSingleLine(t *testing.T) {
	env := BuildEnvelope([]string{"stub"}, func(string) []downstream.Tool {
		return []downstream.Tool{{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)}}
	})
	encoded, err := env.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if strings.Contains(encoded, "\n") {
		t.Error("envelope must be a single line")
	}

	var decoded Envelope
	if err := json.Unmarshal([]byte(encoded), &decoded); err != nil {
		t.Fatalf("round-trip: %v", err)
	}
	if decoded.Servers[0].Tools[0].Tool != "echo" {
		t.Errorf("round-trip tool = %q", decoded.Servers[0].Tools[0].Tool)
	}
}
