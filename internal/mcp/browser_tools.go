package mcp

import (
	"context"
	"time"

	"scrapingbrowser-mcp-server/internal/browser"
	"scrapingbrowser-mcp-server/internal/mangle"
)

// imageResult carries screenshot bytes out of Execute; wrapTool turns it into an image block.
type imageResult struct {
	data []byte
	meta map[string]interface{}
}

type NavigateTool struct {
	toolkit *browser.Toolkit
}

func (t *NavigateTool) Name() string { return "browser_navigate" }
func (t *NavigateTool) Description() string {
	return `Open a URL in the remote browser.

Each site (hostname) gets its own page. Navigating to a URL on another
hostname switches the active page; ref-based tools act on the active page.

WHEN TO USE:
- Before the first snapshot on a site
- To return to a site after a browser_interaction_error with didReset=true

Returns: {url, title}`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Absolute URL to open",
			},
		},
		"required": []string{"url"},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.toolkit.Navigate(ctx, getStringArg(args, "url"))
}

type SnapshotTool struct {
	toolkit *browser.Toolkit
}

func (t *SnapshotTool) Name() string { return "browser_snapshot" }
func (t *SnapshotTool) Description() string {
	return `Capture the interactive elements of the active page as text with refs.

Each element is one line: - <role> "<name>" [ref=<n>], links add a /url line.
Refs stay stable across snapshots of the same page, so an element keeps its
ref until the page is reloaded or replaced.

WHEN TO USE:
- Before browser_click or browser_type to get refs
- After an action to see the new page state

OPTIONS:
- maxItems: 1-500 element blocks (default 80), applied when filtered
- mode: compact (default) or full (adds a DOM pass with dom-N refs)
- url: navigate first

Returns: {url, title, ariaSnapshot, domSnapshot?, _meta}`
}
func (t *SnapshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Optional URL to navigate to before capturing",
			},
			"filtered": map[string]interface{}{
				"type":        "boolean",
				"description": "Drop noise and limit to maxItems blocks (default true)",
			},
			"mode": map[string]interface{}{
				"type":        "string",
				"enum":        []string{browser.SnapshotModeCompact, browser.SnapshotModeFull},
				"description": "compact (default) or full",
			},
			"maxItems": map[string]interface{}{
				"type":        "integer",
				"minimum":     1,
				"maximum":     browser.MaxMaxItems,
				"description": "Maximum element blocks (default 80)",
			},
			"includeDom": map[string]interface{}{
				"type":        "boolean",
				"description": "Add the DOM pass in compact mode",
			},
			"maxChars": map[string]interface{}{
				"type":        "integer",
				"description": "Truncate each text section beyond this many characters (default 20000)",
			},
		},
	}
}
func (t *SnapshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	req := browser.DefaultSnapshotRequest()
	req.URL = getStringArg(args, "url")
	req.Filtered = getBoolArg(args, "filtered", req.Filtered)
	if mode := getStringArg(args, "mode"); mode != "" {
		req.Mode = mode
	}
	req.MaxItems = getIntArg(args, "maxItems", req.MaxItems)
	req.IncludeDOM = getBoolArg(args, "includeDom", false)
	req.MaxChars = getIntArg(args, "maxChars", req.MaxChars)
	return t.toolkit.Snapshot(ctx, req)
}

type ClickTool struct {
	toolkit *browser.Toolkit
}

func (t *ClickTool) Name() string { return "browser_click" }
func (t *ClickTool) Description() string {
	return `Click an element by ref from the latest browser_snapshot.

Pass waitForNavigationMs when the click is expected to change the URL; the
tool then waits up to that long and reports didNavigate.

On failure the error carries the recent console and network activity. When
details.didReset is true the page was lost and reset: navigate again and take
a new snapshot.

Returns: {message, urlBefore, urlAfter, didNavigate}`
}
func (t *ClickTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ref": map[string]interface{}{
				"type":        "string",
				"description": "Element ref from browser_snapshot",
			},
			"element": map[string]interface{}{
				"type":        "string",
				"description": "Human-readable element description, echoed in the result",
			},
			"waitForNavigationMs": map[string]interface{}{
				"type":        "integer",
				"description": "Wait up to this long for the URL to change",
			},
		},
		"required": []string{"ref"},
	}
}
func (t *ClickTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.toolkit.ClickRef(ctx, browser.ClickRequest{
		Ref:                getStringArg(args, "ref"),
		ElementDescription: getStringArg(args, "element"),
		WaitForNavigation:  time.Duration(getIntArg(args, "waitForNavigationMs", 0)) * time.Millisecond,
	})
}

type TypeTool struct {
	toolkit *browser.Toolkit
}

func (t *TypeTool) Name() string { return "browser_type" }
func (t *TypeTool) Description() string {
	return `Replace the value of an input by ref and optionally submit with Enter.

Returns: {message, urlBefore, urlAfter}`
}
func (t *TypeTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"ref": map[string]interface{}{
				"type":        "string",
				"description": "Element ref from browser_snapshot",
			},
			"text": map[string]interface{}{
				"type":        "string",
				"description": "Text that replaces the current value",
			},
			"submit": map[string]interface{}{
				"type":        "boolean",
				"description": "Press Enter after typing",
			},
		},
		"required": []string{"ref", "text"},
	}
}
func (t *TypeTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.toolkit.TypeRef(ctx, browser.TypeRequest{
		Ref:    getStringArg(args, "ref"),
		Text:   getStringArg(args, "text"),
		Submit: getBoolArg(args, "submit", false),
	})
}

type ScreenshotTool struct {
	toolkit *browser.Toolkit
}

func (t *ScreenshotTool) Name() string { return "browser_screenshot" }
func (t *ScreenshotTool) Description() string {
	return `Capture a PNG screenshot of the active page.

Returns an image block plus {bytes, fullPage}.`
}
func (t *ScreenshotTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fullPage": map[string]interface{}{
				"type":        "boolean",
				"description": "Capture the whole scrollable page instead of the viewport",
			},
		},
	}
}
func (t *ScreenshotTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	fullPage := getBoolArg(args, "fullPage", false)
	data, err := t.toolkit.Screenshot(ctx, fullPage)
	if err != nil {
		return nil, err
	}
	return &imageResult{
		data: data,
		meta: map[string]interface{}{"bytes": len(data), "fullPage": fullPage},
	}, nil
}

type GetHTMLTool struct {
	toolkit *browser.Toolkit
}

func (t *GetHTMLTool) Name() string { return "browser_get_html" }
func (t *GetHTMLTool) Description() string {
	return `Return the active page's HTML: the <body> markup, or the whole document with fullPage.

Prefer browser_snapshot for interaction; use this for content extraction.`
}
func (t *GetHTMLTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"fullPage": map[string]interface{}{
				"type":        "boolean",
				"description": "Return the full document including <head>",
			},
		},
	}
}
func (t *GetHTMLTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	html, err := t.toolkit.GetHTML(ctx, getBoolArg(args, "fullPage", false))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"html": html, "length": len(html)}, nil
}

type DiagnosticsTool struct {
	toolkit  *browser.Toolkit
	insights *mangle.Engine
}

func (t *DiagnosticsTool) Name() string { return "browser_diagnostics" }
func (t *DiagnosticsTool) Description() string {
	return `Show recent console messages and network requests of the active page.

Findings summarize failed requests, console errors and requests still
waiting for a response.

Returns: {domain, consoleTail, networkTail, findings}`
}
func (t *DiagnosticsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"consoleLimit": map[string]interface{}{
				"type":        "integer",
				"description": "Newest console messages to return (default 10)",
			},
			"networkLimit": map[string]interface{}{
				"type":        "integer",
				"description": "Newest network requests to return (default 20)",
			},
		},
	}
}
func (t *DiagnosticsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	report := t.toolkit.Diagnostics(
		getIntArg(args, "consoleLimit", browser.DefaultConsoleLimit),
		getIntArg(args, "networkLimit", browser.DefaultNetworkLimit),
	)
	findings := []mangle.Finding{}
	if t.insights != nil {
		derived, err := t.insights.AnalyzeDiagnostics(ctx, report)
		if err != nil {
			return nil, err
		}
		findings = derived
	}
	return map[string]interface{}{
		"domain":      report.Domain,
		"consoleTail": report.ConsoleTail,
		"networkTail": report.NetworkTail,
		"findings":    findings,
	}, nil
}

type CloseTool struct {
	toolkit *browser.Toolkit
}

func (t *CloseTool) Name() string { return "browser_close" }
func (t *CloseTool) Description() string {
	return `Close every page and browser connection. The next tool call reconnects.`
}
func (t *CloseTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *CloseTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	t.toolkit.Close()
	return map[string]interface{}{"message": "Browser sessions closed"}, nil
}
