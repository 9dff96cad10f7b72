package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"scrapingbrowser-mcp-server/internal/browser"
	"scrapingbrowser-mcp-server/internal/config"
	"scrapingbrowser-mcp-server/internal/mangle"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

// Server exposes the browser toolkit over MCP.
type Server struct {
	cfg       config.Config
	toolkit   *browser.Toolkit
	insights  *mangle.Engine
	log       *zap.Logger
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

// NewServer constructs the MCP server and registers all tools. insights may be nil.
func NewServer(cfg config.Config, toolkit *browser.Toolkit, insights *mangle.Engine, log *zap.Logger) (*Server, error) {
	if toolkit == nil {
		return nil, fmt.Errorf("toolkit is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		toolkit:   toolkit,
		insights:  insights,
		log:       log,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves MCP over stdio until ctx is done or stdin closes.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("sse server listening", zap.Int("port", port))

	select {
	case <-ctx.Done():
		s.log.Info("sse server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly and returns its envelope, bypassing MCP framing.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (Envelope, error) {
	tool, exists := s.tools[name]
	if !exists {
		return Envelope{}, fmt.Errorf("tool not found: %s", name)
	}
	env, _ := s.run(ctx, tool, args)
	return env, nil
}

func (s *Server) registerAllTools() {
	s.registerTool(&NavigateTool{toolkit: s.toolkit})
	s.registerTool(&SnapshotTool{toolkit: s.toolkit})
	s.registerTool(&ClickTool{toolkit: s.toolkit})
	s.registerTool(&TypeTool{toolkit: s.toolkit})
	s.registerTool(&ScreenshotTool{toolkit: s.toolkit})
	s.registerTool(&GetHTMLTool{toolkit: s.toolkit})
	s.registerTool(&DiagnosticsTool{toolkit: s.toolkit, insights: s.insights})
	s.registerTool(&CloseTool{toolkit: s.toolkit})
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

// run executes tool and wraps the outcome in an envelope. The image bytes of
// a screenshot travel beside the envelope, never inside it.
func (s *Server) run(ctx context.Context, tool Tool, args map[string]interface{}) (Envelope, []byte) {
	result, err := tool.Execute(ctx, args)
	if err != nil {
		be := browser.AsError(err)
		s.log.Warn("tool failed",
			zap.String("tool", tool.Name()),
			zap.String("type", string(be.Type)),
			zap.Error(err))
		return failure(tool.Name(), args, be), nil
	}
	if img, ok := result.(*imageResult); ok {
		return success(tool.Name(), args, img.meta), img.data
	}
	return success(tool.Name(), args, result), nil
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		env, image := s.run(ctx, tool, args)
		payload := marshalToolPayload(tool.Name(), env)

		content := []mcp.Content{}
		if image != nil {
			content = append(content, mcp.NewImageContent(base64.StdEncoding.EncodeToString(image), "image/png"))
		}
		content = append(content, mcp.NewTextContent(string(payload)))
		return &mcp.CallToolResult{Content: content, IsError: !env.OK}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := failure(toolName, nil, browser.AsError(
		fmt.Errorf("tool %s returned non-serializable payload: %w", toolName, marshalErr)))
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"ok":false,"tool":%q,"error":{"type":"unexpected_error","code":"E9000","message":"failed to encode payload"}}`, toolName))
}
