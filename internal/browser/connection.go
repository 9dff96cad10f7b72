package browser

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"scrapingbrowser-mcp-server/internal/config"

	"github.com/felixgeelhaar/fortify/retry"
	"go.uber.org/zap"
)

// CredentialsFunc resolves the remote browser login; false means none is configured.
type CredentialsFunc func() (config.Credentials, bool)

// EndpointFunc turns credentials into a connection endpoint. It is called once per Connect.
type EndpointFunc func(username, password string) (string, error)

// ServiceEndpoint builds endpoints by injecting prefixed credentials into base as userinfo.
func ServiceEndpoint(base, usernamePrefix string) EndpointFunc {
	return func(username, password string) (string, error) {
		u, err := url.Parse(base)
		if err != nil {
			return "", fmt.Errorf("parse endpoint: %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return "", fmt.Errorf("endpoint %q needs a scheme and host", base)
		}
		u.User = url.UserPassword(usernamePrefix+username, password)
		return u.String(), nil
	}
}

// ConnectionOptions tunes the retry policy.
type ConnectionOptions struct {
	Attempts     int
	InitialDelay time.Duration
}

// ConnectionManager opens browser connections with retry and caches one per domain.
type ConnectionManager struct {
	driver      Driver
	credentials CredentialsFunc
	endpoint    EndpointFunc
	attempts    int
	retry       retry.Retry[Conn]
	log         *zap.Logger

	mu    sync.Mutex
	conns map[string]Conn
}

// NewConnectionManager wires a driver with credential and endpoint collaborators.
func NewConnectionManager(driver Driver, creds CredentialsFunc, endpoint EndpointFunc, opts ConnectionOptions, log *zap.Logger) *ConnectionManager {
	if opts.Attempts <= 0 {
		opts.Attempts = 3
	}
	if opts.InitialDelay <= 0 {
		opts.InitialDelay = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ConnectionManager{
		driver:      driver,
		credentials: creds,
		endpoint:    endpoint,
		attempts:    opts.Attempts,
		retry: retry.New[Conn](retry.Config{
			MaxAttempts:   opts.Attempts,
			InitialDelay:  opts.InitialDelay,
			BackoffPolicy: retry.BackoffExponential,
			Multiplier:    2.0,
		}),
		log:   log,
		conns: make(map[string]Conn),
	}
}

// Get returns the cached connection for domain while it is alive, else connects.
func (m *ConnectionManager) Get(ctx context.Context, domain string) (Conn, error) {
	m.mu.Lock()
	conn, ok := m.conns[domain]
	m.mu.Unlock()
	if ok && conn.Connected() {
		return conn, nil
	}
	if ok {
		m.log.Info("cached browser connection lost, reconnecting", zap.String("domain", domain))
	}
	return m.Connect(ctx, domain)
}

// Connect opens a fresh connection for domain and caches it. The domain only
// labels logs; every domain talks to the same endpoint.
func (m *ConnectionManager) Connect(ctx context.Context, domain string) (Conn, error) {
	creds, ok := m.credentials()
	if !ok {
		return nil, newError(ErrConfig,
			fmt.Sprintf("missing browser credentials; set %s and %s", config.UsernameEnv, config.PasswordEnv),
			nil, nil)
	}
	endpoint, err := m.endpoint(creds.Username, creds.Password)
	if err != nil {
		return nil, newError(ErrConfig, "cannot build browser endpoint", err, nil)
	}

	attempts := 0
	var lastErr error
	conn, err := m.retry.Do(ctx, func(ctx context.Context) (Conn, error) {
		attempts++
		c, err := m.driver.Connect(ctx, endpoint)
		if err != nil {
			lastErr = err
			m.log.Warn("browser connection attempt failed",
				zap.String("domain", domain),
				zap.Int("attempt", attempts),
				zap.Int("max_attempts", m.attempts),
				zap.Error(err))
			return nil, err
		}
		return c, nil
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		details := map[string]interface{}{
			"attempts":        attempts,
			"username":        maskUsername(creds.Username),
			"endpoint_prefix": endpointPrefix(endpoint),
			"domain":          domain,
		}
		m.log.Error("browser connection failed",
			zap.String("domain", domain),
			zap.Int("attempts", attempts),
			zap.String("username", maskUsername(creds.Username)),
			zap.String("endpoint_prefix", endpointPrefix(endpoint)),
			zap.Error(lastErr))
		return nil, newError(ErrConnection,
			fmt.Sprintf("failed to connect to remote browser after %d attempts", attempts),
			lastErr, details)
	}

	m.mu.Lock()
	m.conns[domain] = conn
	m.mu.Unlock()
	m.log.Info("browser connected",
		zap.String("domain", domain),
		zap.String("driver", m.driver.Name()),
		zap.Int("attempts", attempts))
	return conn, nil
}

// Domains lists domains with a cached connection.
func (m *ConnectionManager) Domains() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for d := range m.conns {
		out = append(out, d)
	}
	return out
}

// Close closes every cached connection and then the driver. It attempts all of
// them and returns the joined failures.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[string]Conn)
	m.mu.Unlock()

	var errs []error
	for domain, conn := range conns {
		if err := safeClose(conn.Close); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", domain, err))
		}
	}
	if m.driver != nil {
		if err := safeClose(m.driver.Close); err != nil {
			errs = append(errs, fmt.Errorf("close driver: %w", err))
		}
	}
	return errors.Join(errs...)
}

// safeClose runs fn, turning a panic into an error so teardown keeps going.
func safeClose(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during close: %v", r)
		}
	}()
	return fn()
}

// maskUsername keeps the first five characters and the length.
func maskUsername(u string) string {
	r := []rune(u)
	head := r
	if len(head) > 5 {
		head = head[:5]
	}
	return fmt.Sprintf("%s***(len=%d)", string(head), len(r))
}

// endpointPrefix renders scheme://host of an endpoint, never its credentials, capped at 50 chars.
func endpointPrefix(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return "<unparsable endpoint>"
	}
	prefix := u.Scheme + "://" + u.Host
	if len(prefix) > 50 {
		prefix = prefix[:50]
	}
	return prefix
}
