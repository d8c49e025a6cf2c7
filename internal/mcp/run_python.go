package mcp

import (
	"context"
	"fmt"

	"codebridge-mcp-server/internal/sandbox"
)

// RunPythonTool is the bridge's single outward tool: execute a Python
// snippet in a fresh container sandbox with proxies to the requested
// downstream servers.
type RunPythonTool struct {
	executor   *sandbox.Executor
	maxTimeout int
}

func (t *RunPythonTool) Name() string { return "run_python" }

func (t *RunPythonTool) Description() string {
	return "Execute a Python snippet in a single-use, network-isolated container. " +
		"Tools of the requested MCP servers are available as async proxies " +
		"(mcp_<alias>, mcp_servers[name], mcp_tools.<server>); the runtime " +
		"namespace pages tool documentation in on demand. Top-level await is " +
		"supported. Returns captured stdout/stderr and a status."
}

// InputSchema deliberately stays near-constant in size: downstream tool
// schemas are discovered from inside the sandbox, never enumerated here.
func (t *RunPythonTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "Python source to execute. Top-level await is allowed.",
			},
			"servers": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Downstream MCP servers the snippet may call.",
			},
			"timeout": map[string]interface{}{
				"type":        "integer",
				"description": fmt.Sprintf("Invocation deadline in seconds (1-%d).", t.maxTimeout),
			},
		},
		"required": []string{"code"},
	}
}

// Execute validates the argument shape and hands off to the executor.
// Shape errors never reach the sandbox.
func (t *RunPythonTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req := sandbox.Request{}

	code, ok := args["code"].(string)
	if !ok || code == "" {
		return nil, fmt.Errorf("%s: code must be a non-empty string", sandbox.CodeInvalidRequest)
	}
	req.Code = code

	if raw, present := args["servers"]; present && raw != nil {
		list, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("%s: servers must be an array of strings", sandbox.CodeInvalidRequest)
		}
		for _, item := range list {
			name, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%s: servers must be an array of strings", sandbox.CodeInvalidRequest)
			}
			req.Servers = append(req.Servers, name)
		}
	}

	if raw, present := args["timeout"]; present && raw != nil {
		seconds, ok := asSeconds(raw)
		if !ok {
			return nil, fmt.Errorf("%s: timeout must be an integer number of seconds", sandbox.CodeInvalidRequest)
		}
		req.Timeout = &seconds
	}

	result, err := t.executor.Run(ctx, req)
	if err != nil {
		// Always an *InvalidRequestError; surface its message as the tool
		// error text.
		return nil, err
	}
	return result, nil
}

// asSeconds accepts the integer encodings a JSON decoder may hand us.
func asSeconds(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
