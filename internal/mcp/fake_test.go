package mcp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"scrapingbrowser-mcp-server/internal/browser"
	"scrapingbrowser-mcp-server/internal/config"
	"scrapingbrowser-mcp-server/internal/mangle"

	"go.uber.org/zap"
)

// stubDriver serves static pages; each connection reuses its open page.
type stubDriver struct {
	mu    sync.Mutex
	pages []*stubPage
}

func (d *stubDriver) Name() string { return "stub" }

func (d *stubDriver) Connect(ctx context.Context, endpoint string) (browser.Conn, error) {
	return &stubConn{driver: d}, nil
}

func (d *stubDriver) Close() error { return nil }

func (d *stubDriver) lastPage() *stubPage {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pages) == 0 {
		return nil
	}
	return d.pages[len(d.pages)-1]
}

type stubConn struct {
	driver *stubDriver
	closed bool
	pages  []*stubPage
}

func (c *stubConn) Connected() bool { return !c.closed }

func (c *stubConn) OpenPage(ctx context.Context) (browser.Page, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	for _, p := range c.pages {
		if !p.Closed() {
			return p, nil
		}
	}
	p := &stubPage{url: "about:blank"}
	c.pages = append(c.pages, p)
	c.driver.pages = append(c.driver.pages, p)
	return p, nil
}

func (c *stubConn) Close() error {
	c.closed = true
	return nil
}

type stubPage struct {
	mu        sync.Mutex
	url       string
	closed    bool
	listenCtx context.Context
	listener  browser.Listener
	filled    string
	clickErr  error
}

func (p *stubPage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *stubPage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *stubPage) Title(ctx context.Context) (string, error) { return "Stub", nil }

func (p *stubPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.url = url
	return nil
}

func (p *stubPage) Listen(ctx context.Context, l browser.Listener) {
	p.mu.Lock()
	p.listenCtx = ctx
	p.listener = l
	p.mu.Unlock()
}

// bound returns the listener while its context is live.
func (p *stubPage) bound() (browser.Listener, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.listenCtx == nil || p.listenCtx.Err() != nil {
		return browser.Listener{}, false
	}
	return p.listener, true
}

func (p *stubPage) emitRequest(url, resourceType string) {
	l, ok := p.bound()
	if !ok {
		return
	}
	l.OnRequest(browser.RequestEvent{URL: url, Method: "GET", ResourceType: resourceType, Time: time.Now()})
}

func (p *stubPage) emitResponse(url string, status int) {
	l, ok := p.bound()
	if !ok {
		return
	}
	l.OnResponse(browser.ResponseEvent{RequestURL: url, Status: status})
}

func (p *stubPage) InteractiveCandidates(ctx context.Context) ([]browser.ElementInfo, error) {
	return []browser.ElementInfo{
		{Node: "1", Tag: "a", Text: "Pricing", Href: "https://shop.test/pricing"},
		{Node: "2", Tag: "input", AriaLabel: "Email"},
	}, nil
}

func (p *stubPage) DOMCandidates(ctx context.Context) ([]browser.ElementInfo, error) {
	return p.InteractiveCandidates(ctx)
}

func (p *stubPage) Click(ctx context.Context, node browser.NodeID, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clickErr
}

func (p *stubPage) Fill(ctx context.Context, node browser.NodeID, text string, submit bool, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.filled = text
	return nil
}

func (p *stubPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return []byte("\x89PNG"), nil
}

func (p *stubPage) HTML(ctx context.Context, fullPage bool) (string, error) {
	return "<body>stub</body>", nil
}

func (p *stubPage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func setupTestServerConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Name = "test-server"
	cfg.Server.Version = "1.0.0"
	return cfg
}

// newTestServer wires a server around stubDriver. creds may be nil for the
// default test login.
func newTestServer(t *testing.T, creds browser.CredentialsFunc) (*Server, *stubDriver) {
	t.Helper()
	cfg := setupTestServerConfig()
	log := zap.NewNop()
	if creds == nil {
		creds = func() (config.Credentials, bool) {
			return config.Credentials{Username: "alice", Password: "s3cret"}, true
		}
	}

	driver := &stubDriver{}
	conns := browser.NewConnectionManager(driver, creds,
		browser.ServiceEndpoint(cfg.Browser.Endpoint, cfg.Browser.UsernamePrefix),
		browser.ConnectionOptions{Attempts: 1, InitialDelay: time.Millisecond}, log)
	registry, err := browser.NewSessionRegistry(conns, browser.NewDiagnosticsStore(10, 20), log)
	if err != nil {
		t.Fatalf("NewSessionRegistry failed: %v", err)
	}
	toolkit := browser.NewToolkit(registry, browser.NewSnapshotEngine(nil, log), nil,
		browser.ToolkitOptions{NavigationTimeout: time.Second, ClickTimeout: time.Second}, log)
	t.Cleanup(toolkit.Close)

	insights, err := mangle.NewEngine(cfg.Mangle, log)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	server, err := NewServer(cfg, toolkit, insights, log)
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	return server, driver
}

var errTargetClosed = errors.New("Target closed")
