package browser

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	SnapshotModeCompact = "compact"
	SnapshotModeFull    = "full"

	maxNameLength = 80
)

var tagRoles = map[string]string{
	"a":        "link",
	"button":   "button",
	"input":    "textbox",
	"select":   "combobox",
	"textarea": "textbox",
}

var interactiveRoles = map[string]bool{
	"button":    true,
	"link":      true,
	"textbox":   true,
	"searchbox": true,
	"combobox":  true,
	"checkbox":  true,
	"radio":     true,
	"switch":    true,
	"tab":       true,
	"menuitem":  true,
	"option":    true,
}

// SnapshotOptions controls a single capture.
type SnapshotOptions struct {
	Filtered   bool
	Mode       string
	MaxItems   int
	IncludeDOM bool
}

// SnapshotMeta echoes the options a snapshot was taken with.
type SnapshotMeta struct {
	Mode       string `json:"mode"`
	MaxItems   int    `json:"maxItems"`
	IncludeDOM bool   `json:"includeDom"`
	Refs       int    `json:"refs"`
}

// Snapshot is the textual view of a page handed to the caller.
type Snapshot struct {
	URL          string       `json:"url"`
	Title        string       `json:"title"`
	AriaSnapshot string       `json:"ariaSnapshot"`
	DOMSnapshot  string       `json:"domSnapshot,omitempty"`
	Meta         SnapshotMeta `json:"_meta"`
}

// DOMElement is one record of the DOM pass.
type DOMElement struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// SnapshotFilter is the presentation layer applied to snapshot output.
type SnapshotFilter interface {
	FilterSnapshotText(raw string) string
	FormatDOMElements(records []DOMElement) string
}

// SnapshotEngine walks a live page and renders its interactive elements with refs.
type SnapshotEngine struct {
	filter SnapshotFilter
	log    *zap.Logger
}

// NewSnapshotEngine creates an engine; a nil filter uses DefaultFilter.
func NewSnapshotEngine(filter SnapshotFilter, log *zap.Logger) *SnapshotEngine {
	if filter == nil {
		filter = DefaultFilter{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SnapshotEngine{filter: filter, log: log}
}

// Capture renders the page. Refs are issued through refs, so elements seen on
// an earlier capture keep their ref.
func (e *SnapshotEngine) Capture(ctx context.Context, page Page, refs *RefRegistry, opts SnapshotOptions) (Snapshot, error) {
	mode := strings.ToLower(strings.TrimSpace(opts.Mode))
	if mode == "" {
		mode = SnapshotModeCompact
	}

	candidates, err := page.InteractiveCandidates(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("walk interactive elements: %w", err)
	}
	raw := e.renderAria(candidates, refs)

	text := raw
	if opts.Filtered {
		text = LimitBlocks(e.filter.FilterSnapshotText(raw), opts.MaxItems)
	}

	snap := Snapshot{
		AriaSnapshot: text,
		Meta: SnapshotMeta{
			Mode:       mode,
			MaxItems:   opts.MaxItems,
			IncludeDOM: opts.IncludeDOM,
		},
	}

	if opts.IncludeDOM || mode == SnapshotModeFull {
		domCandidates, err := page.DOMCandidates(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("collect dom elements: %w", err)
		}
		snap.DOMSnapshot = e.filter.FormatDOMElements(collectDOMElements(domCandidates, refs))
	}

	snap.URL = page.URL()
	title, err := page.Title(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read title: %w", err)
	}
	snap.Title = title
	snap.Meta.Refs = refs.Count()

	e.log.Debug("snapshot captured",
		zap.String("url", snap.URL),
		zap.Int("candidates", len(candidates)),
		zap.Int("refs", snap.Meta.Refs))
	return snap, nil
}

func (e *SnapshotEngine) renderAria(candidates []ElementInfo, refs *RefRegistry) string {
	var b strings.Builder
	for _, el := range candidates {
		role := NormalizeRole(el.Tag, el.Role)
		if !IsInteractive(el.Tag, role) {
			continue
		}
		ref, _ := refs.Assign(NamespaceAria, el.Node)
		fmt.Fprintf(&b, "- %s \"%s\" [ref=%s]\n", role, ariaName(el), ref)
		if el.Href != "" {
			fmt.Fprintf(&b, "  /url: \"%s\"\n", el.Href)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func collectDOMElements(candidates []ElementInfo, refs *RefRegistry) []DOMElement {
	records := make([]DOMElement, 0, len(candidates))
	for _, el := range candidates {
		ref, _ := refs.Assign(NamespaceDOM, el.Node)
		role := strings.TrimSpace(el.Role)
		if role == "" {
			role = el.Tag
		}
		records = append(records, DOMElement{
			Ref:  ref,
			Role: role,
			Name: collapseName(el.Text, el.AriaLabel, el.Title),
			URL:  el.Href,
		})
	}
	return records
}

// NormalizeRole returns the explicit role when present, else the implicit role of tag.
func NormalizeRole(tag, role string) string {
	if r := strings.ToLower(strings.TrimSpace(role)); r != "" {
		return r
	}
	tag = strings.ToLower(tag)
	if r, ok := tagRoles[tag]; ok {
		return r
	}
	return tag
}

// IsInteractive reports whether an element with this tag and normalized role gets a ref.
func IsInteractive(tag, role string) bool {
	if _, ok := tagRoles[strings.ToLower(tag)]; ok {
		return true
	}
	return interactiveRoles[role]
}

func ariaName(el ElementInfo) string {
	return collapseName(el.Text, el.AriaLabel)
}

// collapseName picks the first non-blank source, collapses whitespace and caps the length.
func collapseName(sources ...string) string {
	for _, s := range sources {
		name := strings.Join(strings.Fields(s), " ")
		if name == "" {
			continue
		}
		if utf8.RuneCountInString(name) > maxNameLength {
			name = string([]rune(name)[:maxNameLength])
		}
		return name
	}
	return ""
}

// LimitBlocks keeps the first n element blocks of a snapshot. A block starts on
// a line beginning with "- " or "[" and owns the indented lines after it.
// Lines before the first block are dropped.
func LimitBlocks(text string, n int) string {
	if n <= 0 {
		return ""
	}
	var out []string
	blocks := 0
	inBlock := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimLeft(line, " ")
		startsBlock := trimmed == line && (strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "["))
		if startsBlock {
			if blocks >= n {
				break
			}
			blocks++
			inBlock = true
			out = append(out, line)
			continue
		}
		if inBlock {
			out = append(out, line)
		}
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n")
}

// DefaultFilter drops blank and repeated lines and renders DOM records one per line.
type DefaultFilter struct{}

func (DefaultFilter) FilterSnapshotText(raw string) string {
	lines := strings.Split(raw, "\n")
	out := make([]string, 0, len(lines))
	prev := ""
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" || line == prev {
			continue
		}
		out = append(out, line)
		prev = line
	}
	return strings.Join(out, "\n")
}

func (DefaultFilter) FormatDOMElements(records []DOMElement) string {
	var b strings.Builder
	for i, r := range records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "[%s] %s \"%s\"", r.Ref, r.Role, r.Name)
		if r.URL != "" {
			fmt.Fprintf(&b, " -> %s", r.URL)
		}
	}
	return b.String()
}
