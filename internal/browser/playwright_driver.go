package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"
)

// playwrightDriver connects over CDP through a playwright-go driver process,
// started on first Connect and stopped by Close.
type playwrightDriver struct {
	log *zap.Logger

	mu sync.Mutex
	pw *playwright.Playwright
}

func newPlaywrightDriver(log *zap.Logger) *playwrightDriver {
	return &playwrightDriver{log: log}
}

func (d *playwrightDriver) Name() string { return "playwright" }

func (d *playwrightDriver) runtime() (*playwright.Playwright, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw != nil {
		return d.pw, nil
	}
	// Only the driver is needed; browsers live on the remote service.
	pw, err := playwright.Run(&playwright.RunOptions{
		SkipInstallBrowsers: true,
		Verbose:             false,
		Stdout:              io.Discard,
		Stderr:              io.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	d.pw = pw
	d.log.Debug("playwright driver started")
	return pw, nil
}

func (d *playwrightDriver) Connect(ctx context.Context, endpoint string) (Conn, error) {
	pw, err := d.runtime()
	if err != nil {
		return nil, err
	}
	opts := playwright.BrowserTypeConnectOverCDPOptions{}
	if deadline, ok := ctx.Deadline(); ok {
		opts.Timeout = playwright.Float(float64(time.Until(deadline).Milliseconds()))
	}
	browser, err := pw.Chromium.ConnectOverCDP(endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("connect over cdp: %w", err)
	}
	return &playwrightConn{browser: browser}, nil
}

func (d *playwrightDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pw == nil {
		return nil
	}
	err := d.pw.Stop()
	d.pw = nil
	return err
}

type playwrightConn struct {
	browser playwright.Browser
}

func (c *playwrightConn) Connected() bool {
	return c.browser.IsConnected()
}

func (c *playwrightConn) OpenPage(ctx context.Context) (Page, error) {
	var bctx playwright.BrowserContext
	if contexts := c.browser.Contexts(); len(contexts) > 0 {
		bctx = contexts[0]
	} else {
		created, err := c.browser.NewContext()
		if err != nil {
			return nil, fmt.Errorf("create context: %w", err)
		}
		bctx = created
	}
	if pages := bctx.Pages(); len(pages) > 0 {
		return &playwrightPage{page: pages[0]}, nil
	}
	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	return &playwrightPage{page: page}, nil
}

func (c *playwrightConn) Close() error {
	return c.browser.Close()
}

// playwrightPage identifies nodes by the document-scoped ids the collector
// script tags elements with.
type playwrightPage struct {
	page playwright.Page
}

func (p *playwrightPage) Closed() bool { return p.page.IsClosed() }

func (p *playwrightPage) URL() string { return p.page.URL() }

func (p *playwrightPage) Title(ctx context.Context) (string, error) {
	return p.page.Title()
}

func (p *playwrightPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	return err
}

// Listen registers the handlers until ctx is done, then removes them so a
// reused page does not collect handlers across rebuilds.
func (p *playwrightPage) Listen(ctx context.Context, l Listener) {
	live := func() bool { return ctx.Err() == nil }

	onRequest := func(req playwright.Request) {
		if live() && l.OnRequest != nil {
			l.OnRequest(RequestEvent{
				URL:          req.URL(),
				Method:       req.Method(),
				ResourceType: req.ResourceType(),
				Time:         time.Now(),
			})
		}
	}
	onResponse := func(resp playwright.Response) {
		if live() && l.OnResponse != nil {
			l.OnResponse(ResponseEvent{RequestURL: resp.Request().URL(), Status: resp.Status()})
		}
	}
	onConsole := func(msg playwright.ConsoleMessage) {
		if live() && l.OnConsole != nil {
			l.OnConsole(ConsoleEvent{Type: msg.Type(), Text: msg.Text(), Time: time.Now()})
		}
	}

	p.page.OnRequest(onRequest)
	p.page.OnResponse(onResponse)
	p.page.OnConsole(onConsole)

	go func() {
		<-ctx.Done()
		p.page.RemoveListener("request", onRequest)
		p.page.RemoveListener("response", onResponse)
		p.page.RemoveListener("console", onConsole)
	}()
}

func (p *playwrightPage) InteractiveCandidates(ctx context.Context) ([]ElementInfo, error) {
	return p.candidates("aria")
}

func (p *playwrightPage) DOMCandidates(ctx context.Context) ([]ElementInfo, error) {
	return p.candidates("dom")
}

func (p *playwrightPage) candidates(mode string) ([]ElementInfo, error) {
	raw, err := p.page.Evaluate(collectCandidatesJS, map[string]interface{}{"mode": mode, "tagIds": true})
	if err != nil {
		return nil, err
	}
	// Evaluate hands back generic maps; round-trip through JSON into the typed records.
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode candidates: %w", err)
	}
	var infos []ElementInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	return infos, nil
}

func (p *playwrightPage) element(node NodeID) (playwright.ElementHandle, error) {
	handle, err := p.page.EvaluateHandle(lookupTaggedNodeJS, string(node))
	if err != nil {
		return nil, err
	}
	el := handle.AsElement()
	if el == nil {
		return nil, errors.New("element is no longer attached to the document")
	}
	return el, nil
}

func (p *playwrightPage) Click(ctx context.Context, node NodeID, timeout time.Duration) error {
	el, err := p.element(node)
	if err != nil {
		return err
	}
	return el.Click(playwright.ElementHandleClickOptions{Timeout: playwright.Float(float64(timeout.Milliseconds()))})
}

func (p *playwrightPage) Fill(ctx context.Context, node NodeID, text string, submit bool, timeout time.Duration) error {
	el, err := p.element(node)
	if err != nil {
		return err
	}
	ms := playwright.Float(float64(timeout.Milliseconds()))
	if err := el.Fill(text, playwright.ElementHandleFillOptions{Timeout: ms}); err != nil {
		return err
	}
	if submit {
		return el.Press("Enter", playwright.ElementHandlePressOptions{Timeout: ms})
	}
	return nil
}

func (p *playwrightPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{
		FullPage: playwright.Bool(fullPage),
		Type:     playwright.ScreenshotTypePng,
	})
}

func (p *playwrightPage) HTML(ctx context.Context, fullPage bool) (string, error) {
	if fullPage {
		return p.page.Content()
	}
	raw, err := p.page.Evaluate(pageHTMLJS, false)
	if err != nil {
		return "", err
	}
	html, _ := raw.(string)
	return html, nil
}

func (p *playwrightPage) Close() error {
	return p.page.Close()
}
