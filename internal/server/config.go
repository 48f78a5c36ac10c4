package server

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/domcal/internal/archive"
	"github.com/shaunagostinho/domcal/internal/capture"
	"github.com/shaunagostinho/domcal/internal/link"
	"github.com/shaunagostinho/domcal/internal/output"
	"github.com/shaunagostinho/domcal/internal/visit"
)

// DefaultConfigPath is used by Save when the config was not loaded from a
// file.
const DefaultConfigPath = "/etc/domcal/config.yaml"

// Config holds all capture tool configuration.
type Config struct {
	mu sync.RWMutex

	// Device transport
	Link LinkConfig `yaml:"link" json:"link"`

	// Device dialogue
	Handshake link.Handshake       `yaml:"handshake" json:"handshake"`
	Start     visit.StartConfig    `yaml:"start" json:"start"`
	Capture   capture.Config       `yaml:"capture" json:"capture"`
	Readback  visit.ReadbackConfig `yaml:"readback" json:"readback"`
	Visit     VisitConfig          `yaml:"visit" json:"visit"`

	// Artefacts
	Output  output.Config  `yaml:"output" json:"output"`
	Archive archive.Config `yaml:"archive" json:"archive"`

	// Monitor
	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

// LinkConfig addresses the devices. With Ports set, one device is visited
// per port on Host; DOM hubs expose one port per wire pair.
type LinkConfig struct {
	link.Config `yaml:",inline"`
	Ports       []int `yaml:"ports" json:"ports"`
}

type VisitConfig struct {
	TimeoutS int `yaml:"timeout_s" json:"timeoutS"`
	PollMs   int `yaml:"poll_ms" json:"pollMs"`
	// RetryS is the pause before a failed device is visited again when
	// running continuously.
	RetryS int `yaml:"retry_s" json:"retryS"`
}

type ServerConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	vc := visit.DefaultConfig()
	return &Config{
		Link: LinkConfig{
			Config: link.Config{
				Kind:       "tcp",
				Host:       "localhost",
				Port:       5001,
				SerialPath: "/dev/ttyUSB0",
				BaudRate:   9600,
				DialMs:     5000,
			},
		},
		Handshake: vc.Handshake,
		Start:     vc.Start,
		Capture:   vc.Capture,
		Readback:  vc.Readback,
		Visit: VisitConfig{
			TimeoutS: int(visit.DefaultTimeout / time.Second),
			PollMs:   100, // link idle poll
			RetryS:   30,
		},
		Output: output.Config{
			Dir:     "/var/lib/domcal",
			Log:     true,
			Binary:  true,
			Summary: true,
			MaxRows: 10000,
		},
		Archive: archive.Config{
			Enabled: true,
			Path:    "/var/lib/domcal/records.db",
			Layout:  "record",
		},
		Server: ServerConfig{
			Enabled:    true,
			ListenAddr: ":8080",
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// .env next to the config, then the working directory
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: DOMCAL_LINK, DOMCAL_HOST, DOMCAL_PORT, DOMCAL_PORTS,
// DOMCAL_SERIAL, DOMCAL_BAUD, DOMCAL_OUT, DOMCAL_ARCHIVE, LISTEN_ADDR
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DOMCAL_LINK"); v != "" {
		c.Link.Kind = v
	}
	if v := os.Getenv("DOMCAL_HOST"); v != "" {
		c.Link.Host = v
	}
	if v := os.Getenv("DOMCAL_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.Port = n
		}
	}
	if v := os.Getenv("DOMCAL_PORTS"); v != "" {
		if ports, err := ParsePorts(v); err == nil {
			c.Link.Ports = ports
		} else {
			log.Printf("[config] DOMCAL_PORTS: %v", err)
		}
	}
	if v := os.Getenv("DOMCAL_SERIAL"); v != "" {
		c.Link.SerialPath = v
	}
	if v := os.Getenv("DOMCAL_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Link.BaudRate = n
		}
	}
	if v := os.Getenv("DOMCAL_OUT"); v != "" {
		c.Output.Dir = v
	}
	if v := os.Getenv("DOMCAL_ARCHIVE"); v != "" {
		c.Archive.Path = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
}

// ParsePorts parses a comma separated list of ports and port ranges, such
// as "5001-5008,5010".
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(strings.TrimSpace(lo))
		if err != nil {
			return nil, fmt.Errorf("bad port %q", part)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil || last < first {
				return nil, fmt.Errorf("bad port range %q", part)
			}
		}
		for p := first; p <= last; p++ {
			ports = append(ports, p)
		}
	}
	return ports, nil
}

// Devices expands the link section into one transport config per device.
func (c *Config) Devices() []link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.Link.Kind == "serial" || len(c.Link.Ports) == 0 {
		return []link.Config{c.Link.Config}
	}
	devs := make([]link.Config, 0, len(c.Link.Ports))
	for _, p := range c.Link.Ports {
		d := c.Link.Config
		d.Port = p
		devs = append(devs, d)
	}
	return devs
}

// VisitConfig builds the per-visit settings.
func (c *Config) VisitConfig() visit.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return visit.Config{
		Handshake:    c.Handshake,
		Start:        c.Start,
		Capture:      c.Capture,
		Readback:     c.Readback,
		Timeout:      time.Duration(c.Visit.TimeoutS) * time.Second,
		PollInterval: time.Duration(c.Visit.PollMs) * time.Millisecond,
	}
}

// Path is the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultConfigPath
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
