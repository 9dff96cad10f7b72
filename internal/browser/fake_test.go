package browser

import (
	"context"
	"errors"
	"sync"
	"time"

	"scrapingbrowser-mcp-server/internal/config"

	"go.uber.org/zap"
)

// fakeDriver is an in-memory Driver. connectErrs are returned by successive
// Connect calls before connections start succeeding.
type fakeDriver struct {
	mu          sync.Mutex
	connectErrs []error
	connects    int
	endpoints   []string
	conns       []*fakeConn
	closed      bool
	setup       func(*fakePage)
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Connect(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connects++
	d.endpoints = append(d.endpoints, endpoint)
	if len(d.connectErrs) > 0 {
		err := d.connectErrs[0]
		d.connectErrs = d.connectErrs[1:]
		return nil, err
	}
	c := &fakeConn{driver: d, connected: true}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDriver) connectCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connects
}

// pages returns every page opened across all connections, in order.
func (d *fakeDriver) pages() []*fakePage {
	d.mu.Lock()
	conns := append([]*fakeConn(nil), d.conns...)
	d.mu.Unlock()
	var out []*fakePage
	for _, c := range conns {
		c.mu.Lock()
		out = append(out, c.pages...)
		c.mu.Unlock()
	}
	return out
}

type fakeConn struct {
	driver    *fakeDriver
	mu        sync.Mutex
	connected bool
	pages     []*fakePage
	closed    bool
}

func (c *fakeConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// OpenPage returns the first open page, creating one only when none is left,
// the way the real drivers reuse a remote browser's existing tab.
func (c *fakeConn) OpenPage(ctx context.Context) (Page, error) {
	c.mu.Lock()
	for _, p := range c.pages {
		if !p.Closed() {
			c.mu.Unlock()
			return p, nil
		}
	}
	c.mu.Unlock()

	p := newFakePage()
	if c.driver != nil && c.driver.setup != nil {
		c.driver.setup(p)
	}
	c.mu.Lock()
	c.pages = append(c.pages, p)
	c.mu.Unlock()
	return p, nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.connected = false
	return nil
}

// binding is one Listen call; it stops receiving events once ctx is done.
type binding struct {
	ctx context.Context
	l   Listener
}

type fakeElement struct {
	info    ElementInfo
	visible bool
}

// fakePage renders a static element list and records interactions.
type fakePage struct {
	mu       sync.Mutex
	url      string
	title    string
	closed   bool
	elements []fakeElement
	bindings []binding
	navs     int

	clickErr error
	fillErr  error
	walkErr  error
	onClick  func(p *fakePage, node NodeID)

	clicked   []NodeID
	filled    map[NodeID]string
	submitted []NodeID
}

func newFakePage() *fakePage {
	return &fakePage{url: "about:blank", filled: make(map[NodeID]string)}
}

func (p *fakePage) addElement(node NodeID, tag, role, text, href string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.elements = append(p.elements, fakeElement{
		info:    ElementInfo{Node: node, Tag: tag, Role: role, Text: text, Href: href},
		visible: true,
	})
}

func (p *fakePage) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePage) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *fakePage) setURL(u string) {
	p.mu.Lock()
	p.url = u
	p.mu.Unlock()
}

func (p *fakePage) Title(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return "", errors.New("Target closed")
	}
	return p.title, nil
}

func (p *fakePage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("Target closed")
	}
	p.url = url
	p.title = "Title of " + url
	p.navs++
	return nil
}

func (p *fakePage) navigations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.navs
}

func (p *fakePage) Listen(ctx context.Context, l Listener) {
	p.mu.Lock()
	p.bindings = append(p.bindings, binding{ctx: ctx, l: l})
	p.mu.Unlock()
}

// listeners returns the bindings whose context is still live.
func (p *fakePage) listeners() []Listener {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Listener
	for _, b := range p.bindings {
		if b.ctx.Err() == nil {
			out = append(out, b.l)
		}
	}
	return out
}

// emit helpers drive every live listener as a driver would.
func (p *fakePage) emitRequest(url, method, resourceType string) {
	for _, l := range p.listeners() {
		if l.OnRequest != nil {
			l.OnRequest(RequestEvent{URL: url, Method: method, ResourceType: resourceType})
		}
	}
}

func (p *fakePage) emitResponse(url string, status int) {
	for _, l := range p.listeners() {
		if l.OnResponse != nil {
			l.OnResponse(ResponseEvent{RequestURL: url, Status: status})
		}
	}
}

func (p *fakePage) emitConsole(typ, text string) {
	for _, l := range p.listeners() {
		if l.OnConsole != nil {
			l.OnConsole(ConsoleEvent{Type: typ, Text: text})
		}
	}
}

func (p *fakePage) InteractiveCandidates(ctx context.Context) ([]ElementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.walkErr != nil {
		return nil, p.walkErr
	}
	out := make([]ElementInfo, 0, len(p.elements))
	for _, el := range p.elements {
		out = append(out, el.info)
	}
	return out, nil
}

func (p *fakePage) DOMCandidates(ctx context.Context) ([]ElementInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.walkErr != nil {
		return nil, p.walkErr
	}
	var out []ElementInfo
	for _, el := range p.elements {
		if el.visible {
			out = append(out, el.info)
		}
	}
	return out, nil
}

func (p *fakePage) hasNode(node NodeID) bool {
	for _, el := range p.elements {
		if el.info.Node == node {
			return true
		}
	}
	return false
}

func (p *fakePage) Click(ctx context.Context, node NodeID, timeout time.Duration) error {
	p.mu.Lock()
	if p.clickErr != nil {
		err := p.clickErr
		p.mu.Unlock()
		return err
	}
	if !p.hasNode(node) {
		p.mu.Unlock()
		return errors.New("No node with given id found")
	}
	p.clicked = append(p.clicked, node)
	onClick := p.onClick
	p.mu.Unlock()
	if onClick != nil {
		onClick(p, node)
	}
	return nil
}

func (p *fakePage) Fill(ctx context.Context, node NodeID, text string, submit bool, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fillErr != nil {
		return p.fillErr
	}
	if !p.hasNode(node) {
		return errors.New("No node with given id found")
	}
	p.filled[node] = text
	if submit {
		p.submitted = append(p.submitted, node)
	}
	return nil
}

func (p *fakePage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	if fullPage {
		return []byte("\x89PNG-full"), nil
	}
	return []byte("\x89PNG-viewport"), nil
}

func (p *fakePage) HTML(ctx context.Context, fullPage bool) (string, error) {
	if fullPage {
		return "<html><body><p>hi</p></body></html>", nil
	}
	return "<body><p>hi</p></body>", nil
}

func (p *fakePage) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// fixture bundles the components wired the way the server wires them.
type fixture struct {
	driver   *fakeDriver
	conns    *ConnectionManager
	diag     *DiagnosticsStore
	registry *SessionRegistry
	toolkit  *Toolkit
}

func staticCredentials() (config.Credentials, bool) {
	return config.Credentials{Username: "alice", Password: "s3cret"}, true
}

func newFixture(driver *fakeDriver) (*fixture, error) {
	log := zap.NewNop()
	conns := NewConnectionManager(driver, staticCredentials,
		ServiceEndpoint("wss://browser.example.com", "td-customer-"),
		ConnectionOptions{Attempts: 3, InitialDelay: time.Millisecond}, log)
	diag := NewDiagnosticsStore(10, 20)
	registry, err := NewSessionRegistry(conns, diag, log)
	if err != nil {
		return nil, err
	}
	tk := NewToolkit(registry, NewSnapshotEngine(nil, log), nil, ToolkitOptions{
		NavigationTimeout: time.Second,
		ClickTimeout:      time.Second,
	}, log)
	return &fixture{driver: driver, conns: conns, diag: diag, registry: registry, toolkit: tk}, nil
}
