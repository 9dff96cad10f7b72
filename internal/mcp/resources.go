package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"

	aboutResourceURI    = "scrapingbrowser://about"
	sessionsResourceURI = "scrapingbrowser://sessions"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			aboutResourceURI,
			"Scraping Browser About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			sessionsResourceURI,
			"Browser Sessions",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Open per-site pages, the active site and the self-heal state."),
		),
		s.handleSessionsResource,
	)
}

func (s *Server) aboutPayload() map[string]interface{} {
	return map[string]interface{}{
		"name":     s.cfg.Server.Name,
		"version":  s.cfg.Server.Version,
		"driver":   s.cfg.Browser.DriverName(),
		"insights": s.insights != nil && s.insights.Ready(),
		"notes": []string{
			"Each hostname gets its own page; navigating elsewhere switches the active site.",
			"Refs from browser_snapshot stay valid until the page is reset.",
			"A browser_interaction_error with didReset=true means navigate again before the next click.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}
}

func (s *Server) sessionsPayload() map[string]interface{} {
	registry := s.toolkit.Sessions()
	return map[string]interface{}{
		"active":    registry.ActiveDomain(),
		"sessions":  registry.List(),
		"healState": registry.HealState(),
	}
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.aboutPayload())
}

func (s *Server) handleSessionsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, s.sessionsPayload())
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
