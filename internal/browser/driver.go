package browser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// NodeID is the driver's stable handle for a DOM node. For CDP drivers it is
// the backend node id; it survives re-walks of the same document.
type NodeID string

// Driver is the process-wide automation backend. One instance is shared by all domains.
type Driver interface {
	// Name identifies the backend in logs ("rod", "playwright").
	Name() string
	// Connect opens a new browser connection to endpoint. It performs a single attempt.
	Connect(ctx context.Context, endpoint string) (Conn, error)
	// Close releases driver-level resources after every connection is closed.
	Close() error
}

// Conn is one live browser connection.
type Conn interface {
	// Connected reports whether the remote browser still answers.
	Connected() bool
	// OpenPage returns the first open page of the first context, creating
	// the context and page when none exist.
	OpenPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is the per-domain page handle used by the snapshot engine, resolver and toolkit.
type Page interface {
	// Closed reports whether the page was closed or detached.
	Closed() bool
	URL() string
	Title(ctx context.Context) (string, error)
	Navigate(ctx context.Context, url string, timeout time.Duration) error

	// Listen binds event callbacks for the page lifetime or until ctx is done.
	Listen(ctx context.Context, l Listener)

	// InteractiveCandidates returns elements under document.body that have an
	// interactive tag or a role attribute, in document order.
	InteractiveCandidates(ctx context.Context) ([]ElementInfo, error)
	// DOMCandidates returns visible elements matching the DOM selector set, in document order.
	DOMCandidates(ctx context.Context) ([]ElementInfo, error)

	Click(ctx context.Context, node NodeID, timeout time.Duration) error
	// Fill replaces the value of the node and optionally presses Enter.
	Fill(ctx context.Context, node NodeID, text string, submit bool, timeout time.Duration) error

	Screenshot(ctx context.Context, fullPage bool) ([]byte, error)
	// HTML returns the full document when fullPage is set, else the <body> markup.
	HTML(ctx context.Context, fullPage bool) (string, error)
	Close() error
}

// ElementInfo is the raw per-element data collected in the page. Role
// normalization and naming happen in Go.
type ElementInfo struct {
	Node      NodeID `json:"node"`
	Tag       string `json:"tag"`
	Role      string `json:"role"`
	Text      string `json:"text"`
	AriaLabel string `json:"ariaLabel"`
	Title     string `json:"title"`
	Href      string `json:"href"`
}

// RequestEvent is emitted when the page issues a request.
type RequestEvent struct {
	URL          string
	Method       string
	ResourceType string
	Time         time.Time
}

// ResponseEvent is emitted when a response arrives; RequestURL is the URL of the originating request.
type ResponseEvent struct {
	RequestURL string
	Status     int
}

// ConsoleEvent is emitted for console API calls.
type ConsoleEvent struct {
	Type string
	Text string
	Time time.Time
}

// Listener receives page events. Nil callbacks are skipped.
type Listener struct {
	OnRequest  func(RequestEvent)
	OnResponse func(ResponseEvent)
	OnConsole  func(ConsoleEvent)
}

// NewDriver returns the backend registered under name.
func NewDriver(name string, log *zap.Logger) (Driver, error) {
	if log == nil {
		log = zap.NewNop()
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "rod":
		return newRodDriver(log), nil
	case "playwright":
		return newPlaywrightDriver(log), nil
	default:
		return nil, newError(ErrConfig, fmt.Sprintf("unknown browser driver %q", name), nil,
			map[string]interface{}{"driver": name})
	}
}
