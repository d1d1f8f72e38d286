// Package config loads the daemon configuration: the published name, the
// server ports opened at startup, and the static connect-to targets, from
// an optional YAML file with command-line overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/leandrodaf/rtpmidid/internal/rtperr"
)

// DefaultPort is the conventional AppleMIDI control port used when a
// connect-to target does not name one.
const DefaultPort = 5004

// Target is one static remote session to connect to at startup.
type Target struct {
	Name string
	Host string
	Port uint16
}

// Config holds the daemon configuration, loaded from a YAML file.
type Config struct {
	// Name is the daemon's published name; defaults to the hostname.
	Name string `yaml:"name"`
	// Ports are control ports to open import servers on at startup.
	Ports []uint16 `yaml:"ports"`
	// ConnectTo are static targets in host, name:host or name:host:port
	// form.
	ConnectTo []string `yaml:"connectTo"`
}

// Load reads the YAML file at path. A missing path yields an empty
// configuration so the daemon can run from flags alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: reading %s: %v", rtperr.ErrConfiguration, path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parsing %s: %v", rtperr.ErrConfiguration, path, err)
		}
	}
	if cfg.Name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "rtpmidid"
		}
		cfg.Name = hostname
	}
	return cfg, nil
}

// Targets parses every connect-to string. Any invalid entry is a fatal
// configuration error.
func (c *Config) Targets() ([]Target, error) {
	targets := make([]Target, 0, len(c.ConnectTo))
	for _, raw := range c.ConnectTo {
		target, err := ParseTarget(raw)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, nil
}

// ParseTarget parses one connect-to string. Grammar: `host` connects to
// host:5004 under the host's own name, `name:host` names the session,
// `name:host:port` adds the control port.
func ParseTarget(raw string) (Target, error) {
	parts := strings.Split(raw, ":")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return Target{}, fmt.Errorf("%w: empty connect-to entry", rtperr.ErrConfiguration)
		}
		return Target{Name: parts[0], Host: parts[0], Port: DefaultPort}, nil
	case 2:
		port, err := parsePort(parts[1])
		if err == nil {
			// `host:port` reads as a nameless target; the original grammar
			// treats the second field as a port only when numeric.
			return Target{Name: parts[0], Host: parts[0], Port: port}, nil
		}
		return Target{Name: parts[0], Host: parts[1], Port: DefaultPort}, nil
	case 3:
		port, err := parsePort(parts[2])
		if err != nil {
			return Target{}, fmt.Errorf("%w: connect-to %q: %v", rtperr.ErrConfiguration, raw, err)
		}
		return Target{Name: parts[0], Host: parts[1], Port: port}, nil
	default:
		return Target{}, fmt.Errorf("%w: connect-to %q: want host, name:host or name:host:port",
			rtperr.ErrConfiguration, raw)
	}
}

func parsePort(s string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q: %v", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(n), nil
}
