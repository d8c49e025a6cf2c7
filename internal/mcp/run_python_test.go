package mcp

import (
	"context"
	"strings"
	"testing"

	"codebridge-mcp-server/internal/sandbox"
)

// Shape validation happens before the executor is touched, so these tests
// run with no executor at all.
func shapeTool() *RunPythonTool {
	return &RunPythonTool{maxTimeout: 120}
}

func TestRunPythonRejectsMissingCode(t *testing.T) {
	cases := []map[string]interface{}{
		{},
		{"code": ""},
		{"code": 42},
		{"code": nil},
	}
	for _, args := range cases {
		_, err := shapeTool().Execute(context.Background(), args)
		if err == nil || !strings.Contains(err.Error(), sandbox.CodeInvalidRequest) {
			t.Errorf("args %v: err = %v, want invalid_request", args, err)
		}
	}
}

func TestRunPythonRejectsBadServers(t *testing.T) {
	cases := []map[string]interface{}{
		{"code": "pass", "servers": "stub"},
		{"code": "pass", "servers": []interface{}{"stub", 7}},
	}
	for _, args := range cases {
		_, err := shapeTool().Execute(context.Background(), args)
		if err == nil || !strings.Contains(err.Error(), sandbox.CodeInvalidRequest) {
			t.Errorf("args %v: err = %v, want invalid_request", args, err)
		}
	}
}

func TestRunPythonRejectsBadTimeout(t *testing.T) {
	cases := []map[string]interface{}{
		{"code": "pass", "timeout": "10"},
		{"code": "pass", "timeout": 1.5},
		{"code": "pass", "timeout": []interface{}{}},
	}
	for _, args := range cases {
		_, err := shapeTool().Execute(context.Background(), args)
		if err == nil || !strings.Contains(err.Error(), sandbox.CodeInvalidRequest) {
			t.Errorf("args %v: err = %v, want invalid_request", args, err)
		}
	}
}

func TestRunPythonSchemaStaysConstant(t *testing.T) {
	tool := shapeTool()
	if tool.Name() != "run_python" {
		t.Errorf("Name = %q", tool.Name())
	}
	schema := tool.InputSchema()
	props, ok := schema["properties"].(map[string]interface{})
	if !ok {
		t.Fatal("schema has no properties")
	}
	// Exactly the three declared arguments; downstream tools never appear.
	if len(props) != 3 {
		t.Errorf("properties = %d, want 3", len(props))
	}
	for _, name := range []string{"code", "servers", "timeout"} {
		if _, ok := props[name]; !ok {
			t.Errorf("missing property %q", name)
		}
	}
}

func TestAsSeconds(t *testing.T) {
	if n, ok := asSeconds(float64(30)); !ok || n != 30 {
		t.Errorf("float64(30) = %d, %v", n, ok)
	}
	if _, ok := asSeconds(float64(1.5)); ok {
		t.Error("fractional seconds accepted")
	}
	if n, ok := asSeconds(7); !ok || n != 7 {
		t.Errorf("int = %d, %v", n, ok)
	}
	if _, ok := asSeconds("10"); ok {
		t.Error("string accepted")
	}
}
