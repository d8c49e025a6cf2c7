package mcp

import (
	"context"
	"encoding/json"

	"github.com/mark3labs/mcp-go/mcp"
)

const resourceMIMEJSON = "application/json"

// capabilitiesURI serves the capability summary and helper inventory —
// never the individual downstream tool schemas, which the sandbox pages in
// on demand.
const capabilitiesURI = "codebridge://capabilities"

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			capabilitiesURI,
			"Bridge Capabilities",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Capability summary and the in-sandbox helper functions."),
		),
		s.handleCapabilitiesResource,
	)
}

func (s *Server) handleCapabilitiesResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"summary": s.discovery.CapabilitySummary(),
		"helpers": []string{
			"discovered_servers",
			"list_servers",
			"list_servers_sync",
			"list_tools",
			"list_tools_sync",
			"query_tool_docs",
			"query_tool_docs_sync",
			"search_tool_docs",
			"search_tool_docs_sync",
			"capability_summary",
			"describe_server",
			"list_loaded_server_metadata",
			"call_tool",
		},
		"servers": s.discovery.ListServers(),
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
