package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		tag, role, want string
	}{
		{"a", "", "link"},
		{"BUTTON", "", "button"},
		{"input", "", "textbox"},
		{"select", "", "combobox"},
		{"textarea", "", "textbox"},
		{"div", "Button", "button"},
		{"a", "menuitem", "menuitem"},
		{"div", "", "div"},
		{"span", "  ", "span"},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.tag, tt.role); got != tt.want {
			t.Errorf("NormalizeRole(%q, %q) = %q, want %q", tt.tag, tt.role, got, tt.want)
		}
	}
}

func TestIsInteractive(t *testing.T) {
	assert.True(t, IsInteractive("a", "link"))
	assert.True(t, IsInteractive("div", "checkbox"))
	assert.True(t, IsInteractive("input", "presentation"), "interactive tags keep their ref")
	assert.False(t, IsInteractive("div", "banner"))
	assert.False(t, IsInteractive("span", "span"))
}

func TestLimitBlocks(t *testing.T) {
	text := strings.Join([]string{
		"header noise",
		`- link "Home" [ref=1]`,
		`  /url: "https://a.test/"`,
		`- button "Go" [ref=2]`,
		`[dom-1] button "Go"`,
		`- textbox "Search" [ref=3]`,
	}, "\n")

	tests := []struct {
		n    int
		want string
	}{
		{0, ""},
		{-3, ""},
		{1, "- link \"Home\" [ref=1]\n  /url: \"https://a.test/\""},
		{3, "- link \"Home\" [ref=1]\n  /url: \"https://a.test/\"\n- button \"Go\" [ref=2]\n[dom-1] button \"Go\""},
		{10, strings.SplitN(text, "\n", 2)[1]},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d", tt.n), func(t *testing.T) {
			assert.Equal(t, tt.want, LimitBlocks(text, tt.n))
		})
	}
}

func TestDefaultFilter(t *testing.T) {
	f := DefaultFilter{}
	got := f.FilterSnapshotText("- a\n\n- a\n- b   \n\t\n- b")
	assert.Equal(t, "- a\n- b", got)

	dom := f.FormatDOMElements([]DOMElement{
		{Ref: "dom-1", Role: "a", Name: "Docs", URL: "https://a.test/docs"},
		{Ref: "dom-2", Role: "button", Name: "Save"},
	})
	assert.Equal(t, "[dom-1] a \"Docs\" -> https://a.test/docs\n[dom-2] button \"Save\"", dom)
}

func TestCollapseName(t *testing.T) {
	assert.Equal(t, "Sign in", collapseName("  Sign \n\t in  ", "label"))
	assert.Equal(t, "label", collapseName("   ", "label"))
	assert.Equal(t, "", collapseName("", ""))

	long := strings.Repeat("é", maxNameLength+10)
	assert.Equal(t, maxNameLength, len([]rune(collapseName(long))))
}

func TestCaptureRendersRefsAndLinks(t *testing.T) {
	page := newFakePage()
	page.url = "https://a.test/"
	page.title = "A"
	page.addElement("11", "a", "", "Home", "https://a.test/")
	page.addElement("12", "div", "", "not interactive", "")
	page.addElement("13", "div", "button", "Menu", "")
	page.addElement("14", "input", "", "", "")
	page.elements[3].info.AriaLabel = "Search"

	engine := NewSnapshotEngine(nil, nil)
	refs := NewRefRegistry()
	snap, err := engine.Capture(context.Background(), page, refs, SnapshotOptions{
		Filtered: true,
		Mode:     SnapshotModeCompact,
		MaxItems: 80,
	})
	require.NoError(t, err)

	want := strings.Join([]string{
		`- link "Home" [ref=1]`,
		`  /url: "https://a.test/"`,
		`- button "Menu" [ref=2]`,
		`- textbox "Search" [ref=3]`,
	}, "\n")
	assert.Equal(t, want, snap.AriaSnapshot)
	assert.Equal(t, "https://a.test/", snap.URL)
	assert.Equal(t, "A", snap.Title)
	assert.Empty(t, snap.DOMSnapshot)
	assert.Equal(t, 3, snap.Meta.Refs)
	assert.Equal(t, SnapshotModeCompact, snap.Meta.Mode)
}

func TestCaptureKeepsRefsAcrossDOMChanges(t *testing.T) {
	page := newFakePage()
	for i := 0; i < 3; i++ {
		page.addElement(NodeID(fmt.Sprint(100+i)), "button", "", fmt.Sprintf("B%d", i), "")
	}
	engine := NewSnapshotEngine(nil, nil)
	refs := NewRefRegistry()
	opts := SnapshotOptions{Filtered: true, Mode: SnapshotModeCompact, MaxItems: 80}

	first, err := engine.Capture(context.Background(), page, refs, opts)
	require.NoError(t, err)
	second, err := engine.Capture(context.Background(), page, refs, opts)
	require.NoError(t, err)
	assert.Equal(t, first.AriaSnapshot, second.AriaSnapshot, "unchanged page must yield identical refs")

	// a new element lands at the top of the document
	page.elements = append([]fakeElement{{info: ElementInfo{Node: "99", Tag: "a", Text: "New"}, visible: true}}, page.elements...)
	third, err := engine.Capture(context.Background(), page, refs, opts)
	require.NoError(t, err)

	assert.Contains(t, third.AriaSnapshot, `- link "New" [ref=4]`)
	assert.Contains(t, third.AriaSnapshot, `- button "B0" [ref=1]`)
	assert.Contains(t, third.AriaSnapshot, `- button "B2" [ref=3]`)
}

func TestCaptureMaxItems(t *testing.T) {
	page := newFakePage()
	for i := 0; i < 12; i++ {
		page.addElement(NodeID(fmt.Sprint(i)), "button", "", fmt.Sprintf("Button %d", i), "")
	}
	engine := NewSnapshotEngine(nil, nil)
	refs := NewRefRegistry()

	snap, err := engine.Capture(context.Background(), page, refs, SnapshotOptions{Filtered: true, MaxItems: 5})
	require.NoError(t, err)

	lines := strings.Split(snap.AriaSnapshot, "\n")
	require.Len(t, lines, 5)
	for i, line := range lines {
		assert.True(t, strings.HasSuffix(line, fmt.Sprintf("[ref=%d]", i+1)), "line %d: %s", i, line)
	}

	// unfiltered output is not limited
	raw, err := engine.Capture(context.Background(), page, refs, SnapshotOptions{Filtered: false, MaxItems: 5})
	require.NoError(t, err)
	assert.Len(t, strings.Split(raw.AriaSnapshot, "\n"), 12)
}

func TestCaptureFullModeAddsDOMPass(t *testing.T) {
	page := newFakePage()
	page.addElement("1", "a", "", "Docs", "https://a.test/docs")
	page.addElement("2", "button", "", "Hidden", "")
	page.elements[1].visible = false

	engine := NewSnapshotEngine(nil, nil)
	refs := NewRefRegistry()
	snap, err := engine.Capture(context.Background(), page, refs, SnapshotOptions{Filtered: true, Mode: SnapshotModeFull, MaxItems: 80})
	require.NoError(t, err)

	assert.Equal(t, `[dom-1] a "Docs" -> https://a.test/docs`, snap.DOMSnapshot)
	assert.Equal(t, 3, snap.Meta.Refs, "two aria refs plus one dom ref")

	node, ok := refs.Lookup("dom-1")
	require.True(t, ok)
	assert.Equal(t, NodeID("1"), node)
}

func TestCaptureIncludeDOMInCompactMode(t *testing.T) {
	page := newFakePage()
	page.addElement("1", "button", "", "Go", "")

	snap, err := NewSnapshotEngine(nil, nil).Capture(context.Background(), page, NewRefRegistry(),
		SnapshotOptions{Filtered: true, Mode: SnapshotModeCompact, MaxItems: 80, IncludeDOM: true})
	require.NoError(t, err)
	assert.Equal(t, `[dom-1] button "Go"`, snap.DOMSnapshot)
	assert.True(t, snap.Meta.IncludeDOM)
}

func TestCaptureReturnsWalkErrors(t *testing.T) {
	page := newFakePage()
	page.walkErr = errors.New("Target closed")

	_, err := NewSnapshotEngine(nil, nil).Capture(context.Background(), page, NewRefRegistry(), SnapshotOptions{MaxItems: 5})
	require.Error(t, err)
	assert.True(t, IsTransient(err), "walk errors keep their signature for self-heal")
}
