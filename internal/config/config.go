package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level config.
	WorkspaceDirName = ".scrapingbrowser"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// UsernameEnv and PasswordEnv override the credentials block when set.
	UsernameEnv = "THORDATA_BROWSER_USERNAME"
	PasswordEnv = "THORDATA_BROWSER_PASSWORD"
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the scraping browser MCP server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	Credentials CredentialsConfig `yaml:"credentials"`
	MCP         MCPConfig         `yaml:"mcp"`
	Mangle      MangleConfig      `yaml:"mangle"`
	Recorder    RecorderConfig    `yaml:"recorder"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures the remote browser connection and page behavior.
type BrowserConfig struct {
	// Driver selects the automation backend: rod (default) or playwright.
	Driver string `yaml:"driver"`
	// Endpoint is the base wss:// URL of the remote browser service. Credentials are injected as userinfo.
	Endpoint string `yaml:"endpoint"`
	// UsernamePrefix is prepended to the username when building the endpoint (e.g. "td-customer-").
	UsernamePrefix string `yaml:"username_prefix"`
	// ConnectAttempts bounds connection attempts per call (default: 3).
	ConnectAttempts int `yaml:"connect_attempts"`
	// ConnectInitialDelay is the first backoff delay; later delays double (default: "1s").
	ConnectInitialDelay string `yaml:"connect_initial_delay"`
	// NavigationTimeout applies to page.goto (default: "120s").
	NavigationTimeout string `yaml:"navigation_timeout"`
	// ClickTimeout applies to ref-based clicks and typing (default: "5s").
	ClickTimeout string `yaml:"click_timeout"`
	// ConsoleBuffer is the per-domain console ring buffer capacity (default: 10).
	ConsoleBuffer int `yaml:"console_buffer"`
	// NetworkBuffer is the per-domain network ring buffer capacity (default: 20).
	NetworkBuffer int `yaml:"network_buffer"`
}

// CredentialsConfig holds the remote browser login. Environment variables take precedence.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Credentials is a resolved username/password pair.
type Credentials struct {
	Username string
	Password string
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded diagnostics rule engine.
type MangleConfig struct {
	Enable          bool     `yaml:"enable"`
	RulesPath       string   `yaml:"rules_path"`
	ExtraRules      []string `yaml:"extra_rules"`
	DisableBuiltin  bool     `yaml:"disable_builtin_rules"`
	FactBufferLimit int      `yaml:"fact_buffer_limit"`
}

// RecorderConfig controls the JSONL interaction trace.
type RecorderConfig struct {
	Enable   bool   `yaml:"enable"`
	TraceDir string `yaml:"trace_dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "scrapingbrowser-mcp",
			Version: "0.1.0",
			LogFile: "scrapingbrowser-mcp.log",
		},
		Browser: BrowserConfig{
			Driver:              "rod",
			Endpoint:            "wss://ws-browser.thordata.com",
			UsernamePrefix:      "td-customer-",
			ConnectAttempts:     3,
			ConnectInitialDelay: "1s",
			NavigationTimeout:   "120s",
			ClickTimeout:        "5s",
			ConsoleBuffer:       10,
			NetworkBuffer:       20,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 512,
		},
		Recorder: RecorderConfig{
			Enable:   false,
			TraceDir: "data/traces",
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .scrapingbrowser/config.yaml file.
// Returns the workspace root directory (parent of .scrapingbrowser/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .scrapingbrowser/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .scrapingbrowser/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Scraping browser project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.
# Credentials are best supplied through THORDATA_BROWSER_USERNAME / THORDATA_BROWSER_PASSWORD.

# browser:
#   driver: rod
#   endpoint: "wss://ws-browser.thordata.com"
#   navigation_timeout: "120s"

# mangle:
#   rules_path: ".scrapingbrowser/rules.mg"
#   extra_rules:
#     - 'slow_page(Url) :- net_request(Id, Url, _, "document"), !answered(Id).'

# recorder:
#   enable: true
#   trace_dir: ".scrapingbrowser/data/traces"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Recorder.TraceDir = resolve(cfg.Recorder.TraceDir)
	cfg.Mangle.RulesPath = resolve(cfg.Mangle.RulesPath)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
// Missing credentials are not a validation failure; they surface as config_error per call.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.Endpoint == "" {
		return errors.New("browser.endpoint is required")
	}
	switch c.Browser.DriverName() {
	case "rod", "playwright":
	default:
		return fmt.Errorf("browser.driver must be rod or playwright, got %q", c.Browser.Driver)
	}
	return nil
}

// ResolveCredentials returns the configured credentials, preferring the environment.
// The second result is false when either half is missing.
func (c CredentialsConfig) ResolveCredentials() (Credentials, bool) {
	creds := Credentials{Username: c.Username, Password: c.Password}
	if v := strings.TrimSpace(os.Getenv(UsernameEnv)); v != "" {
		creds.Username = v
	}
	if v := strings.TrimSpace(os.Getenv(PasswordEnv)); v != "" {
		creds.Password = v
	}
	if creds.Username == "" || creds.Password == "" {
		return Credentials{}, false
	}
	return creds, true
}

// DriverName returns the normalized driver name (default: rod).
func (b BrowserConfig) DriverName() string {
	d := strings.ToLower(strings.TrimSpace(b.Driver))
	if d == "" {
		return "rod"
	}
	return d
}

// GetNavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(b.NavigationTimeout, 120*time.Second)
}

// GetClickTimeout returns the parsed click timeout with a sane default.
func (b BrowserConfig) GetClickTimeout() time.Duration {
	return parseDuration(b.ClickTimeout, 5*time.Second)
}

// GetConnectInitialDelay returns the first retry delay with a sane default.
func (b BrowserConfig) GetConnectInitialDelay() time.Duration {
	return parseDuration(b.ConnectInitialDelay, time.Second)
}

// GetConnectAttempts returns the attempt bound (default: 3).
func (b BrowserConfig) GetConnectAttempts() int {
	if b.ConnectAttempts <= 0 {
		return 3
	}
	return b.ConnectAttempts
}

// GetConsoleBuffer returns the console ring capacity (default: 10).
func (b BrowserConfig) GetConsoleBuffer() int {
	if b.ConsoleBuffer <= 0 {
		return 10
	}
	return b.ConsoleBuffer
}

// GetNetworkBuffer returns the network ring capacity (default: 20).
func (b BrowserConfig) GetNetworkBuffer() int {
	if b.NetworkBuffer <= 0 {
		return 20
	}
	return b.NetworkBuffer
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
