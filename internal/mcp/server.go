// Package mcp wires the outward-facing MCP server: the run_python tool,
// the capabilities resource, and the stdio listener.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"codebridge-mcp-server/internal/catalog"
	"codebridge-mcp-server/internal/config"
	"codebridge-mcp-server/internal/sandbox"
)

// Server wires the MCP runtime, the sandbox executor, and discovery.
type Server struct {
	cfg       config.Config
	executor  *sandbox.Executor
	discovery *catalog.Discovery
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the bridge MCP server and registers its tool and
// resources.
func NewServer(cfg config.Config, executor *sandbox.Executor, discovery *catalog.Discovery) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		executor:  executor,
		discovery: discovery,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerTool(&RunPythonTool{executor: executor, maxTimeout: cfg.Sandbox.MaxTimeout})
	server.registerAllResources()
	return server, nil
}

// Start launches the stdio server.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// ExecuteTool executes a tool directly (used by tests).
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(err.Error())},
				IsError: true,
			}, nil
		}

		if run, ok := result.(sandbox.Result); ok {
			return &mcp.CallToolResult{
				Content:           []mcp.Content{mcp.NewTextContent(RenderText(run, s.cfg.Sandbox.OutputMode))},
				StructuredContent: StructuredResult(run),
			}, nil
		}

		payload, err := json.Marshal(result)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s returned non-serializable payload: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(payload))},
		}, nil
	}
}
