package profile

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the main server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Addr is the binding address for server.
	Addr string
	// Port is the binding port for server.
	Port int
	// Data is the data directory holding db.json.
	Data string
	// Version is the current version of server.
	Version string

	// APIToken is the static bearer credential for the /api namespace.
	APIToken string
	// LoginPassword overrides APIToken as the session login password when set.
	LoginPassword string
	// WebhookSecret is the shared secret the provider presents on /webhooks.
	WebhookSecret string
	// WebhookIPAllowlist restricts webhook callers when non-empty.
	WebhookIPAllowlist []string
	// WebhookRatePerMinute caps webhook deliveries per client IP; 0 disables.
	WebhookRatePerMinute int

	// CORSOrigins lists allowed browser origins; empty allows any.
	CORSOrigins []string
	// BodyLimit is the request body cap in echo's size notation, e.g. "8M".
	BodyLimit string
	// DataURLMaxBytes caps embedded media payloads.
	DataURLMaxBytes int64

	// AI (OpenAI-compatible completion endpoint) configuration.
	AIBaseURL      string
	AIAPIKey       string
	AIModel        string
	AITimeout      time.Duration
	AISystemPrompt string

	// Upstream provider (wkteam) configuration.
	UpstreamBaseURL    string
	UpstreamAuthHeader string
	UpstreamAuthValue  string
	UpstreamTimeout    time.Duration

	// CatalogPath points at the operation catalog descriptor file.
	CatalogPath string
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled reports whether the completion client can be constructed.
// The base URL has a default, so the API key is the deciding signal.
func (p *Profile) IsAIEnabled() bool {
	return p.AIAPIKey != ""
}

// SessionPassword returns the password the login endpoint checks against.
func (p *Profile) SessionPassword() string {
	if p.LoginPassword != "" {
		return p.LoginPassword
	}
	return p.APIToken
}

// DBPath returns the canonical snapshot file location.
func (p *Profile) DBPath() string {
	return filepath.Join(p.Data, "db.json")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies.
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and applies defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Addr == "" {
		p.Addr = "127.0.0.1"
	}
	if p.Port == 0 {
		p.Port = 8787
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		return err
	}
	p.Data = dataDir

	if p.BodyLimit == "" {
		p.BodyLimit = "8M"
	}
	if p.DataURLMaxBytes <= 0 {
		p.DataURLMaxBytes = 6 << 20
	}
	if p.AIBaseURL == "" {
		p.AIBaseURL = "https://api.openai.com/v1"
	}
	if p.AIModel == "" {
		p.AIModel = "gpt-4o-mini"
	}
	if p.AITimeout <= 0 {
		p.AITimeout = 30 * time.Second
	}
	if p.UpstreamTimeout <= 0 {
		p.UpstreamTimeout = 15 * time.Second
	}
	if p.UpstreamAuthHeader == "" {
		p.UpstreamAuthHeader = "Authorization"
	}
	if p.CatalogPath == "" {
		p.CatalogPath = filepath.Join(p.Data, "catalog.json")
	}
	return nil
}
