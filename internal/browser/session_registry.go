package browser

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Session is the per-domain state: one live page and the refs issued on it.
type Session struct {
	Domain    string
	Page      Page
	Refs      *RefRegistry
	CreatedAt time.Time

	cancel context.CancelFunc
}

// SessionInfo is the lightweight view used for listings.
type SessionInfo struct {
	Domain    string    `json:"domain"`
	URL       string    `json:"url"`
	Refs      int       `json:"refs"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// SessionRegistry maps domain keys to sessions, rebuilding pages on demand and
// healing after transient failures.
type SessionRegistry struct {
	conns  *ConnectionManager
	diag   *DiagnosticsStore
	bridge *EventBridge
	heal   *selfHealer
	log    *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	current  string
	group    singleflight.Group
}

// NewSessionRegistry wires the registry around a connection manager and diagnostics store.
func NewSessionRegistry(conns *ConnectionManager, diag *DiagnosticsStore, log *zap.Logger) (*SessionRegistry, error) {
	if log == nil {
		log = zap.NewNop()
	}
	r := &SessionRegistry{
		conns:    conns,
		diag:     diag,
		bridge:   NewEventBridge(diag, log),
		log:      log,
		sessions: make(map[string]*Session),
		current:  DefaultDomain,
	}
	heal, err := newSelfHealer(diag, r.Reset)
	if err != nil {
		return nil, fmt.Errorf("build self-heal machine: %w", err)
	}
	r.heal = heal
	return r, nil
}

// GetPage returns the session for rawURL's domain, or for the active domain
// when rawURL is empty, building a page when none is open.
func (r *SessionRegistry) GetPage(ctx context.Context, rawURL string) (*Session, error) {
	r.mu.Lock()
	if rawURL != "" {
		r.current = DomainOf(rawURL)
	}
	domain := r.current
	sess, ok := r.sessions[domain]
	r.mu.Unlock()

	if ok && !sess.Page.Closed() {
		return sess, nil
	}

	// Concurrent callers for one domain share a single build.
	v, err, _ := r.group.Do(domain, func() (interface{}, error) {
		r.mu.RLock()
		existing, ok := r.sessions[domain]
		r.mu.RUnlock()
		if ok && !existing.Page.Closed() {
			return existing, nil
		}
		return r.build(ctx, domain)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *SessionRegistry) build(ctx context.Context, domain string) (*Session, error) {
	conn, err := r.conns.Get(ctx, domain)
	if err != nil {
		return nil, err
	}
	page, err := conn.OpenPage(ctx)
	if err != nil {
		if IsTransient(err) || !conn.Connected() {
			// the cached connection died between the health check and page creation
			conn, err = r.conns.Connect(ctx, domain)
			if err != nil {
				return nil, err
			}
			page, err = conn.OpenPage(ctx)
		}
		if err != nil {
			return nil, newError(ErrConnection, "failed to open page", err, map[string]interface{}{"domain": domain})
		}
	}

	r.diag.Reset(domain)
	listenCtx, cancel := context.WithCancel(context.Background())
	page.Listen(listenCtx, r.bridge.Bind(domain))

	sess := &Session{
		Domain:    domain,
		Page:      page,
		Refs:      NewRefRegistry(),
		CreatedAt: time.Now(),
		cancel:    cancel,
	}

	r.mu.Lock()
	if old, ok := r.sessions[domain]; ok && old.cancel != nil {
		old.cancel()
	}
	r.sessions[domain] = sess
	r.mu.Unlock()

	r.log.Info("page ready", zap.String("domain", domain), zap.String("url", page.URL()))
	return sess, nil
}

// Active returns the session of the active domain without building one.
func (r *SessionRegistry) Active() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[r.current]
	return sess, ok
}

// ActiveDomain returns the domain key ref-based tools operate on.
func (r *SessionRegistry) ActiveDomain() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reset drops the cached page, refs and diagnostics for domain (the active
// domain when empty). The connection stays cached and the page is not closed.
func (r *SessionRegistry) Reset(domain string) {
	r.mu.Lock()
	if domain == "" {
		domain = r.current
	}
	sess, ok := r.sessions[domain]
	delete(r.sessions, domain)
	r.mu.Unlock()

	if ok && sess.cancel != nil {
		sess.cancel()
	}
	r.diag.Drop(domain)
	r.log.Info("session reset", zap.String("domain", domain))
}

// Heal runs the self-heal machine for a failed interaction on domain.
func (r *SessionRegistry) Heal(domain string, err error) HealOutcome {
	out := r.heal.Handle(domain, err)
	if out.DidReset {
		r.log.Warn("transient browser failure, session reset",
			zap.String("domain", domain),
			zap.Error(err))
	}
	return out
}

// HealState returns the self-heal machine state.
func (r *SessionRegistry) HealState() string {
	return r.heal.State()
}

// List returns a sorted view of live sessions.
func (r *SessionRegistry) List() []SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]SessionInfo, 0, len(r.sessions))
	for domain, sess := range r.sessions {
		out = append(out, SessionInfo{
			Domain:    domain,
			URL:       sess.Page.URL(),
			Refs:      sess.Refs.Count(),
			Active:    domain == r.current,
			CreatedAt: sess.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Diagnostics returns the tails for domain (the active domain when empty).
func (r *SessionRegistry) Diagnostics(domain string, consoleLimit, networkLimit int) ([]ConsoleMessage, []NetworkRequest) {
	if domain == "" {
		domain = r.ActiveDomain()
	}
	return r.diag.ConsoleTail(domain, consoleLimit), r.diag.NetworkTail(domain, networkLimit)
}

// Close tears down every page, then every connection, then the driver. Each
// step is attempted regardless of earlier failures; failures are logged only.
func (r *SessionRegistry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.current = DefaultDomain
	r.mu.Unlock()

	for domain, sess := range sessions {
		if sess.cancel != nil {
			sess.cancel()
		}
		if err := safeClose(sess.Page.Close); err != nil {
			r.log.Warn("close page failed", zap.String("domain", domain), zap.Error(err))
		}
		r.diag.Drop(domain)
	}
	if err := r.conns.Close(); err != nil {
		r.log.Warn("close connections failed", zap.Error(err))
	}
	r.log.Info("browser sessions closed", zap.Int("pages", len(sessions)))
}
