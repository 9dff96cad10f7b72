package browser

import (
	"context"
	"time"
)

// ElementHandle is a lazy reference to an element on a page. Nothing is
// checked against the live DOM until Click or Fill runs.
type ElementHandle struct {
	Ref    string
	Domain string
	node   NodeID
	page   Page
}

// Click clicks the element.
func (h *ElementHandle) Click(ctx context.Context, timeout time.Duration) error {
	return h.page.Click(ctx, h.node, timeout)
}

// Fill replaces the element's value and optionally submits with Enter.
func (h *ElementHandle) Fill(ctx context.Context, text string, submit bool, timeout time.Duration) error {
	return h.page.Fill(ctx, h.node, text, submit, timeout)
}

// RefResolver turns refs back into element handles on the active domain's page.
type RefResolver struct {
	sessions *SessionRegistry
}

// NewRefResolver creates a resolver bound to a registry.
func NewRefResolver(sessions *SessionRegistry) *RefResolver {
	return &RefResolver{sessions: sessions}
}

// Resolve looks ref up on the current page of the active domain. Refs never
// issued on that page are a validation_error.
func (r *RefResolver) Resolve(ref string) (*ElementHandle, error) {
	if ref == "" {
		return nil, validationError("ref is required", nil)
	}
	sess, ok := r.sessions.Active()
	if !ok {
		return nil, validationError("no active page; navigate first", map[string]interface{}{"ref": ref})
	}
	node, ok := sess.Refs.Lookup(ref)
	if !ok {
		return nil, validationError("unknown ref; take a new snapshot", map[string]interface{}{
			"ref":    ref,
			"domain": sess.Domain,
		})
	}
	return &ElementHandle{Ref: ref, Domain: sess.Domain, node: node, page: sess.Page}, nil
}
