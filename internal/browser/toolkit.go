package browser

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultMaxItems     = 80
	MaxMaxItems         = 500
	DefaultMaxChars     = 20000
	DefaultConsoleLimit = 10
	DefaultNetworkLimit = 20

	navigationPollInterval = 100 * time.Millisecond
)

// Tracer records operations for later inspection. The recorder package implements it.
type Tracer interface {
	Log(eventType, sessionID string, data interface{})
}

type nopTracer struct{}

func (nopTracer) Log(string, string, interface{}) {}

// ToolkitOptions carries the timeouts operations use.
type ToolkitOptions struct {
	NavigationTimeout time.Duration
	ClickTimeout      time.Duration
}

// Toolkit is the operation surface handed to the tool layer.
type Toolkit struct {
	sessions  *SessionRegistry
	snapshots *SnapshotEngine
	resolver  *RefResolver
	tracer    Tracer
	opts      ToolkitOptions
	log       *zap.Logger
}

// NewToolkit assembles the operations over a registry. tracer may be nil.
func NewToolkit(sessions *SessionRegistry, snapshots *SnapshotEngine, tracer Tracer, opts ToolkitOptions, log *zap.Logger) *Toolkit {
	if tracer == nil {
		tracer = nopTracer{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = 120 * time.Second
	}
	if opts.ClickTimeout <= 0 {
		opts.ClickTimeout = 5 * time.Second
	}
	return &Toolkit{
		sessions:  sessions,
		snapshots: snapshots,
		resolver:  NewRefResolver(sessions),
		tracer:    tracer,
		opts:      opts,
		log:       log,
	}
}

// Sessions exposes the underlying registry.
func (t *Toolkit) Sessions() *SessionRegistry { return t.sessions }

// NavigateResult is returned by Navigate.
type NavigateResult struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Navigate opens url in its domain's page. The page is left alone when already there.
func (t *Toolkit) Navigate(ctx context.Context, url string) (NavigateResult, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return NavigateResult{}, validationError("url is required", nil)
	}
	sess, err := t.sessions.GetPage(ctx, url)
	if err != nil {
		return NavigateResult{}, err
	}
	if err := t.gotoIfNeeded(ctx, sess, url); err != nil {
		return NavigateResult{}, err
	}
	title, err := sess.Page.Title(ctx)
	if err != nil {
		return NavigateResult{}, t.interactionFailure(sess.Domain, "navigate", err, nil)
	}
	res := NavigateResult{URL: sess.Page.URL(), Title: title}
	t.tracer.Log("navigate", sess.Domain, res)
	return res, nil
}

func (t *Toolkit) gotoIfNeeded(ctx context.Context, sess *Session, url string) error {
	if sess.Page.URL() == url {
		return nil
	}
	if err := sess.Page.Navigate(ctx, url, t.opts.NavigationTimeout); err != nil {
		return t.interactionFailure(sess.Domain, "navigate", err, map[string]interface{}{"url": url})
	}
	return nil
}

// SnapshotRequest holds snapshot parameters as received from the caller.
type SnapshotRequest struct {
	Filtered   bool
	Mode       string
	MaxItems   int
	IncludeDOM bool
	// URL, when set, navigates before capturing.
	URL string
	// MaxChars caps each text field of the result.
	MaxChars int
}

// DefaultSnapshotRequest returns the defaults applied when a caller omits parameters.
func DefaultSnapshotRequest() SnapshotRequest {
	return SnapshotRequest{
		Filtered: true,
		Mode:     SnapshotModeCompact,
		MaxItems: DefaultMaxItems,
		MaxChars: DefaultMaxChars,
	}
}

// Snapshot captures the active page.
func (t *Toolkit) Snapshot(ctx context.Context, req SnapshotRequest) (Snapshot, error) {
	if req.MaxItems <= 0 || req.MaxItems > MaxMaxItems {
		return Snapshot{}, validationError(
			fmt.Sprintf("maxItems must be between 1 and %d", MaxMaxItems),
			map[string]interface{}{"maxItems": req.MaxItems})
	}
	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = SnapshotModeCompact
	}
	if mode != SnapshotModeCompact && mode != SnapshotModeFull {
		return Snapshot{}, validationError("mode must be compact or full", map[string]interface{}{"mode": req.Mode})
	}
	if req.MaxChars <= 0 {
		req.MaxChars = DefaultMaxChars
	}

	target := strings.TrimSpace(req.URL)
	sess, err := t.sessions.GetPage(ctx, target)
	if err != nil {
		return Snapshot{}, err
	}
	if target != "" {
		if err := t.gotoIfNeeded(ctx, sess, target); err != nil {
			return Snapshot{}, err
		}
	}

	snap, err := t.snapshots.Capture(ctx, sess.Page, sess.Refs, SnapshotOptions{
		Filtered:   req.Filtered,
		Mode:       mode,
		MaxItems:   req.MaxItems,
		IncludeDOM: req.IncludeDOM,
	})
	if err != nil {
		return Snapshot{}, t.interactionFailure(sess.Domain, "snapshot", err, nil)
	}
	snap.AriaSnapshot = TruncateContent(snap.AriaSnapshot, req.MaxChars)
	snap.DOMSnapshot = TruncateContent(snap.DOMSnapshot, req.MaxChars)

	t.tracer.Log("snapshot", sess.Domain, map[string]interface{}{
		"url":  snap.URL,
		"mode": mode,
		"refs": snap.Meta.Refs,
	})
	return snap, nil
}

// ClickRequest holds click parameters.
type ClickRequest struct {
	Ref                string
	ElementDescription string
	WaitForNavigation  time.Duration
}

// ClickResult is returned by ClickRef.
type ClickResult struct {
	Message     string `json:"message"`
	URLBefore   string `json:"urlBefore"`
	URLAfter    string `json:"urlAfter"`
	DidNavigate bool   `json:"didNavigate"`
}

// ClickRef clicks the element behind ref on the active page.
func (t *Toolkit) ClickRef(ctx context.Context, req ClickRequest) (ClickResult, error) {
	handle, err := t.resolver.Resolve(req.Ref)
	if err != nil {
		return ClickResult{}, err
	}
	before := handle.page.URL()

	if err := handle.Click(ctx, t.opts.ClickTimeout); err != nil {
		return ClickResult{}, t.interactionFailure(handle.Domain, "click", err, map[string]interface{}{
			"ref":         req.Ref,
			"description": req.ElementDescription,
		})
	}

	after := handle.page.URL()
	if req.WaitForNavigation > 0 && after == before {
		after = t.waitForURLChange(ctx, handle.page, before, req.WaitForNavigation)
	}

	res := ClickResult{
		Message:     fmt.Sprintf("Clicked %s", describeTarget(req.Ref, req.ElementDescription)),
		URLBefore:   before,
		URLAfter:    after,
		DidNavigate: after != before,
	}
	t.tracer.Log("click", handle.Domain, res)
	return res, nil
}

// TypeRequest holds typing parameters.
type TypeRequest struct {
	Ref    string
	Text   string
	Submit bool
}

// TypeResult is returned by TypeRef.
type TypeResult struct {
	Message   string `json:"message"`
	URLBefore string `json:"urlBefore"`
	URLAfter  string `json:"urlAfter"`
}

// TypeRef replaces the value of the element behind ref and optionally submits.
func (t *Toolkit) TypeRef(ctx context.Context, req TypeRequest) (TypeResult, error) {
	handle, err := t.resolver.Resolve(req.Ref)
	if err != nil {
		return TypeResult{}, err
	}
	before := handle.page.URL()

	if err := handle.Fill(ctx, req.Text, req.Submit, t.opts.ClickTimeout); err != nil {
		return TypeResult{}, t.interactionFailure(handle.Domain, "type", err, map[string]interface{}{
			"ref":    req.Ref,
			"submit": req.Submit,
		})
	}

	msg := fmt.Sprintf("Typed %d characters into %s", len([]rune(req.Text)), describeTarget(req.Ref, ""))
	if req.Submit {
		msg += " and submitted"
	}
	res := TypeResult{Message: msg, URLBefore: before, URLAfter: handle.page.URL()}
	// never trace the typed text itself
	t.tracer.Log("type", handle.Domain, map[string]interface{}{"ref": req.Ref, "submit": req.Submit, "url_after": res.URLAfter})
	return res, nil
}

// Screenshot captures a PNG of the active page.
func (t *Toolkit) Screenshot(ctx context.Context, fullPage bool) ([]byte, error) {
	sess, err := t.sessions.GetPage(ctx, "")
	if err != nil {
		return nil, err
	}
	data, err := sess.Page.Screenshot(ctx, fullPage)
	if err != nil {
		return nil, t.interactionFailure(sess.Domain, "screenshot", err, nil)
	}
	return data, nil
}

// GetHTML returns the active page's markup.
func (t *Toolkit) GetHTML(ctx context.Context, fullPage bool) (string, error) {
	sess, err := t.sessions.GetPage(ctx, "")
	if err != nil {
		return "", err
	}
	html, err := sess.Page.HTML(ctx, fullPage)
	if err != nil {
		return "", t.interactionFailure(sess.Domain, "get_html", err, nil)
	}
	return html, nil
}

// DiagnosticsReport is returned by Diagnostics.
type DiagnosticsReport struct {
	Domain      string           `json:"domain"`
	ConsoleTail []ConsoleMessage `json:"consoleTail"`
	NetworkTail []NetworkRequest `json:"networkTail"`
}

// Diagnostics returns the newest console and network records of the active domain.
func (t *Toolkit) Diagnostics(consoleLimit, networkLimit int) DiagnosticsReport {
	domain := t.sessions.ActiveDomain()
	console, network := t.sessions.Diagnostics(domain, consoleLimit, networkLimit)
	return DiagnosticsReport{Domain: domain, ConsoleTail: console, NetworkTail: network}
}

// Close tears down all sessions.
func (t *Toolkit) Close() {
	t.sessions.Close()
	t.tracer.Log("close", "", nil)
}

// interactionFailure converts a driver error into browser_interaction_error,
// running the self-heal path first. The original error is kept as the cause.
func (t *Toolkit) interactionFailure(domain, op string, err error, extra map[string]interface{}) error {
	heal := t.sessions.Heal(domain, err)
	details := map[string]interface{}{
		"operation":   op,
		"domain":      domain,
		"didReset":    heal.DidReset,
		"consoleTail": heal.ConsoleTail,
		"networkTail": heal.NetworkTail,
		"hint":        interactionHint(heal.DidReset),
	}
	for k, v := range extra {
		details[k] = v
	}
	if heal.DidReset {
		t.tracer.Log("reset", domain, map[string]interface{}{"operation": op, "error": err.Error()})
	}
	t.log.Debug("interaction failed", zap.String("domain", domain), zap.String("operation", op), zap.Error(err))
	return newError(ErrInteraction, fmt.Sprintf("%s failed: %v", op, err), err, details)
}

func interactionHint(didReset bool) string {
	if didReset {
		return "The page was closed and has been reset. Navigate again, take a new snapshot and retry with fresh refs."
	}
	return "Take a new snapshot to refresh refs before retrying."
}

func (t *Toolkit) waitForURLChange(ctx context.Context, page Page, before string, wait time.Duration) string {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := time.NewTicker(navigationPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return page.URL()
		case <-deadline.C:
			return page.URL()
		case <-ticker.C:
			if u := page.URL(); u != before {
				return u
			}
		}
	}
}

func describeTarget(ref, description string) string {
	if description != "" {
		return fmt.Sprintf("%q (ref=%s)", description, ref)
	}
	return fmt.Sprintf("element (ref=%s)", ref)
}

// TruncateContent caps content at maxLen characters and notes the original
// character count.
func TruncateContent(content string, maxLen int) string {
	if maxLen <= 0 {
		return content
	}
	total := utf8.RuneCountInString(content)
	if total <= maxLen {
		return content
	}
	cut, n := 0, 0
	for i := range content {
		if n == maxLen {
			cut = i
			break
		}
		n++
	}
	return content[:cut] + fmt.Sprintf("\n\n... [Content Truncated, original length: %d chars]", total)
}
