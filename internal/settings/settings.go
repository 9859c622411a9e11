// Package settings stores the user-level configuration shared by the runtime
// and its command line tools: the active package registry, per-registry auth
// tokens, telemetry and update-notification switches, and an optional proxy.
//
// Absent values are not errors. A missing file loads as defaults, an unset
// token or proxy reads as the empty string, and callers print nothing for
// them.
package settings

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/net/proxy"
	"gopkg.in/yaml.v3"
)

const (
	// Filename is the name of the settings file inside the config directory.
	Filename = "settings.yml"

	// DefaultRegistry is used when the file does not name one.
	DefaultRegistry = "https://registry.wasnet.dev"

	// maxFileSize caps how much of the settings file we are willing to parse.
	maxFileSize = 1 << 20
)

// RegistryLogin pairs a registry URL with the token obtained for it.
type RegistryLogin struct {
	Registry string `yaml:"registry"`
	Token    string `yaml:"token"`
}

// RegistrySettings tracks the active registry and the logins collected so
// far. Switching registries keeps old tokens so switching back does not
// require logging in again.
type RegistrySettings struct {
	Current string          `yaml:"current,omitempty"`
	Logins  []RegistryLogin `yaml:"logins,omitempty"`
}

// ProxySettings holds the optional outbound proxy.
type ProxySettings struct {
	URL string `yaml:"url,omitempty"`
}

// Settings is the root of the settings file.
type Settings struct {
	Registry                   RegistrySettings `yaml:"registry"`
	TelemetryEnabled           bool             `yaml:"telemetry_enabled"`
	UpdateNotificationsEnabled bool             `yaml:"update_notifications_enabled"`
	Proxy                      ProxySettings    `yaml:"proxy"`
}

// Default returns the settings used when no file exists yet.
func Default() *Settings {
	return &Settings{
		TelemetryEnabled:           true,
		UpdateNotificationsEnabled: true,
	}
}

// DefaultPath returns where the settings file lives. WASNET_CONFIG_DIR
// overrides the platform config directory.
func DefaultPath() (string, error) {
	if dir := os.Getenv("WASNET_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, Filename), nil
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(configDir, "wasnet", Filename), nil
}

// Load reads the settings file at path. A missing file is not an error and
// yields the defaults.
func Load(path string) (*Settings, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("settings file absent, using defaults", "path", path)
			return Default(), nil
		}
		return nil, err
	}

	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("settings file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	settings := Default()
	if err := yaml.Unmarshal(data, settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}

	return settings, nil
}

// Save writes the settings file, creating the parent directory if needed.
// The file holds auth tokens, so it is not group or world readable.
func (s *Settings) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// CurrentRegistry returns the active registry URL, falling back to
// DefaultRegistry when none is configured.
func (s *Settings) CurrentRegistry() string {
	if s.Registry.Current == "" {
		return DefaultRegistry
	}
	return s.Registry.Current
}

// SetCurrentRegistry switches the active registry. Tokens already collected
// for other registries are kept.
func (s *Settings) SetCurrentRegistry(registry string) {
	s.Registry.Current = normalizeRegistry(registry)
}

// TokenFor returns the token stored for the given registry, or the empty
// string when not logged in there.
func (s *Settings) TokenFor(registry string) string {
	registry = normalizeRegistry(registry)
	for _, login := range s.Registry.Logins {
		if login.Registry == registry {
			return login.Token
		}
	}
	return ""
}

// SetToken records the token for the given registry, replacing any previous
// login for it.
func (s *Settings) SetToken(registry, token string) {
	registry = normalizeRegistry(registry)
	for i, login := range s.Registry.Logins {
		if login.Registry == registry {
			s.Registry.Logins[i].Token = token
			return
		}
	}
	s.Registry.Logins = append(s.Registry.Logins, RegistryLogin{
		Registry: registry,
		Token:    token,
	})
}

// normalizeRegistry strips the trailing slash so lookups do not depend on
// how the URL was typed.
func normalizeRegistry(registry string) string {
	return strings.TrimRight(registry, "/")
}

// HTTPClient builds an HTTP client honoring the configured proxy. With no
// proxy set it returns a plain client with a request timeout.
func (s *Settings) HTTPClient() (*http.Client, error) {
	client := &http.Client{Timeout: 30 * time.Second}

	if s.Proxy.URL == "" {
		return client, nil
	}

	proxyURL, err := url.Parse(s.Proxy.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}

	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks proxy: %w", err)
		}
		transport := &http.Transport{}
		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.Dial = dialer.Dial
		}
		client.Transport = transport
	case "http", "https":
		client.Transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}

	return client, nil
}
