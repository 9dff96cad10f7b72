package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
)

// rodDriver speaks CDP directly through go-rod. It holds no process-wide state.
type rodDriver struct {
	log *zap.Logger
}

func newRodDriver(log *zap.Logger) *rodDriver {
	return &rodDriver{log: log}
}

func (d *rodDriver) Name() string { return "rod" }

func (d *rodDriver) Connect(ctx context.Context, endpoint string) (Conn, error) {
	browser := rod.New().ControlURL(endpoint).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to remote browser: %w", err)
	}
	// Detach from the dial context; callers pass their own per call.
	return &rodConn{browser: browser.Context(context.Background()), log: d.log}, nil
}

func (d *rodDriver) Close() error { return nil }

type rodConn struct {
	browser *rod.Browser
	log     *zap.Logger
}

func (c *rodConn) Connected() bool {
	_, err := c.browser.Version()
	return err == nil
}

func (c *rodConn) OpenPage(ctx context.Context) (Page, error) {
	b := c.browser.Context(ctx)
	pages, err := b.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	var page *rod.Page
	if len(pages) > 0 {
		page = pages.First()
	} else {
		page, err = b.Page(proto.TargetCreateTarget{URL: "about:blank"})
		if err != nil {
			return nil, fmt.Errorf("create page: %w", err)
		}
	}
	return &rodPage{page: page.Context(context.Background()), log: c.log}, nil
}

func (c *rodConn) Close() error {
	return c.browser.Close()
}

type rodPage struct {
	page *rod.Page
	log  *zap.Logger
}

func (p *rodPage) Closed() bool {
	_, err := p.page.Info()
	return err != nil
}

func (p *rodPage) URL() string {
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

func (p *rodPage) Title(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.Title, nil
}

func (p *rodPage) Navigate(ctx context.Context, url string, timeout time.Duration) error {
	pg := p.page.Context(ctx).Timeout(timeout)
	defer pg.CancelTimeout()
	if err := pg.Navigate(url); err != nil {
		return err
	}
	return pg.WaitLoad()
}

func (p *rodPage) Listen(ctx context.Context, l Listener) {
	// Responses are paired by the URL of the request that started them, which
	// differs from the response URL after redirects.
	requestURLs := make(map[proto.NetworkRequestID]string)

	wait := p.page.Context(ctx).EachEvent(
		func(ev *proto.NetworkRequestWillBeSent) {
			if ev.Request == nil {
				return
			}
			requestURLs[ev.RequestID] = ev.Request.URL
			if l.OnRequest != nil {
				l.OnRequest(RequestEvent{
					URL:          ev.Request.URL,
					Method:       ev.Request.Method,
					ResourceType: string(ev.Type),
					Time:         time.Now(),
				})
			}
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			url, ok := requestURLs[ev.RequestID]
			if !ok {
				url = ev.Response.URL
			}
			delete(requestURLs, ev.RequestID)
			if l.OnResponse != nil {
				l.OnResponse(ResponseEvent{RequestURL: url, Status: ev.Response.Status})
			}
		},
		func(ev *proto.NetworkLoadingFailed) {
			delete(requestURLs, ev.RequestID)
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			if l.OnConsole != nil {
				l.OnConsole(ConsoleEvent{
					Type: string(ev.Type),
					Text: stringifyConsoleArgs(ev.Args),
					Time: time.Now(),
				})
			}
		},
	)
	go wait()
}

func (p *rodPage) InteractiveCandidates(ctx context.Context) ([]ElementInfo, error) {
	return p.candidates(ctx, "aria")
}

func (p *rodPage) DOMCandidates(ctx context.Context) ([]ElementInfo, error) {
	return p.candidates(ctx, "dom")
}

// candidates runs the collector, then fetches the same element list as remote
// objects to read each element's backend node id.
func (p *rodPage) candidates(ctx context.Context, mode string) ([]ElementInfo, error) {
	pg := p.page.Context(ctx)
	res, err := pg.Evaluate(&rod.EvalOptions{
		JS:      collectCandidatesJS,
		JSArgs:  []interface{}{map[string]interface{}{"mode": mode, "tagIds": false}},
		ByValue: true,
	})
	if err != nil {
		return nil, err
	}
	var infos []ElementInfo
	if err := res.Value.Unmarshal(&infos); err != nil {
		return nil, fmt.Errorf("decode candidates: %w", err)
	}
	if len(infos) == 0 {
		return infos, nil
	}

	els, err := pg.ElementsByJS(rod.Eval(`() => window.__sbCandidates || []`))
	if err != nil {
		return nil, err
	}
	if len(els) != len(infos) {
		return nil, fmt.Errorf("document changed during walk: %d elements, %d records", len(els), len(infos))
	}
	for i, el := range els {
		node, err := el.Describe(0, false)
		if err != nil {
			return nil, fmt.Errorf("describe node: %w", err)
		}
		infos[i].Node = NodeID(strconv.Itoa(int(node.BackendNodeID)))
	}
	return infos, nil
}

func (p *rodPage) element(ctx context.Context, node NodeID) (*rod.Element, error) {
	id, err := strconv.Atoi(string(node))
	if err != nil {
		return nil, fmt.Errorf("invalid node id %q", node)
	}
	pg := p.page.Context(ctx)
	res, err := proto.DOMResolveNode{BackendNodeID: proto.DOMBackendNodeID(id)}.Call(pg)
	if err != nil {
		return nil, fmt.Errorf("resolve node: %w", err)
	}
	if res.Object == nil {
		return nil, errors.New("resolve node: element is gone")
	}
	return pg.ElementFromObject(res.Object)
}

func (p *rodPage) Click(ctx context.Context, node NodeID, timeout time.Duration) error {
	el, err := p.element(ctx, node)
	if err != nil {
		return err
	}
	el = el.Timeout(timeout)
	defer el.CancelTimeout()
	return el.Click(proto.InputMouseButtonLeft, 1)
}

func (p *rodPage) Fill(ctx context.Context, node NodeID, text string, submit bool, timeout time.Duration) error {
	el, err := p.element(ctx, node)
	if err != nil {
		return err
	}
	el = el.Timeout(timeout)
	defer el.CancelTimeout()
	if err := el.SelectAllText(); err != nil {
		return fmt.Errorf("select existing text: %w", err)
	}
	if err := el.Input(text); err != nil {
		return err
	}
	if submit {
		return el.Type(input.Enter)
	}
	return nil
}

func (p *rodPage) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(fullPage, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

func (p *rodPage) HTML(ctx context.Context, fullPage bool) (string, error) {
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      pageHTMLJS,
		JSArgs:  []interface{}{fullPage},
		ByValue: true,
	})
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

func (p *rodPage) Close() error {
	return p.page.Close()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}
