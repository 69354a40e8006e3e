// Package main runs a quiver node: consensus, shard replication, and the
// HTTP API, wired together from configuration.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// PeerConfig is one bootstrap peer.
type PeerConfig struct {
	ID      uint64 `yaml:"id"`
	Address string `yaml:"address"`
}

// ServerConfig holds the full node configuration. Values come from an
// optional YAML file overridden by command-line flags.
type ServerConfig struct {
	ID         uint64       `yaml:"id"`
	ListenAddr string       `yaml:"listen"`
	HTTPAddr   string       `yaml:"http"`
	DataDir    string       `yaml:"dir"`
	Peers      []PeerConfig `yaml:"peers"`

	ElectionTimeout  time.Duration `yaml:"election_timeout"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
}

const (
	defaultElectionTimeout  = 150 * time.Millisecond
	defaultHeartbeatTimeout = 50 * time.Millisecond
)

// ParseFlags builds the configuration from a flag set, loading --config first
// so explicit flags win over file values.
func ParseFlags(fs *flag.FlagSet, args []string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ElectionTimeout:  defaultElectionTimeout,
		HeartbeatTimeout: defaultHeartbeatTimeout,
	}

	var configPath, peersStr string
	fs.Uint64Var(&cfg.ID, "id", 0, "Node identifier (required, non-zero)")
	fs.StringVar(&cfg.ListenAddr, "listen", "", "gRPC listen address (required)")
	fs.StringVar(&cfg.HTTPAddr, "http", "", "HTTP API listen address (required)")
	fs.StringVar(&cfg.DataDir, "dir", "", "Data directory path (required)")
	fs.StringVar(&peersStr, "peers", "", "Comma-separated bootstrap peers as id=address")
	fs.StringVar(&configPath, "config", "", "YAML configuration file")
	fs.DurationVar(&cfg.ElectionTimeout, "election-timeout", cfg.ElectionTimeout, "Base election timeout")
	fs.DurationVar(&cfg.HeartbeatTimeout, "heartbeat-timeout", cfg.HeartbeatTimeout, "Leader heartbeat interval")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if configPath != "" {
		fileCfg, err := loadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		mergeConfig(cfg, fileCfg, fs)
	}

	if peersStr != "" {
		peers, err := parsePeers(peersStr)
		if err != nil {
			return nil, err
		}
		cfg.Peers = peers
	}

	return cfg, nil
}

func loadConfigFile(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return &cfg, nil
}

// mergeConfig fills cfg from the file for every flag not set explicitly.
func mergeConfig(cfg, file *ServerConfig, fs *flag.FlagSet) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	if !set["id"] && file.ID != 0 {
		cfg.ID = file.ID
	}
	if !set["listen"] && file.ListenAddr != "" {
		cfg.ListenAddr = file.ListenAddr
	}
	if !set["http"] && file.HTTPAddr != "" {
		cfg.HTTPAddr = file.HTTPAddr
	}
	if !set["dir"] && file.DataDir != "" {
		cfg.DataDir = file.DataDir
	}
	if !set["election-timeout"] && file.ElectionTimeout != 0 {
		cfg.ElectionTimeout = file.ElectionTimeout
	}
	if !set["heartbeat-timeout"] && file.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = file.HeartbeatTimeout
	}
	if !set["peers"] && len(file.Peers) > 0 {
		cfg.Peers = file.Peers
	}
}

// parsePeers parses "1=localhost:5001,2=localhost:5002".
func parsePeers(peersStr string) ([]PeerConfig, error) {
	parts := strings.Split(peersStr, ",")
	peers := make([]PeerConfig, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		idx := strings.Index(trimmed, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("invalid peer %q, expected id=address", trimmed)
		}
		id, err := strconv.ParseUint(strings.TrimSpace(trimmed[:idx]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid peer id in %q: %w", trimmed, err)
		}
		addr := strings.TrimSpace(trimmed[idx+1:])
		if id == 0 || addr == "" {
			return nil, fmt.Errorf("invalid peer %q, expected non-zero id=address", trimmed)
		}
		peers = append(peers, PeerConfig{ID: id, Address: addr})
	}
	return peers, nil
}

// Validate checks that all required fields are present.
func (c *ServerConfig) Validate() error {
	var errs []string
	if c.ID == 0 {
		errs = append(errs, "missing required flag: --id")
	}
	if c.ListenAddr == "" {
		errs = append(errs, "missing required flag: --listen")
	}
	if c.HTTPAddr == "" {
		errs = append(errs, "missing required flag: --http")
	}
	if c.DataDir == "" {
		errs = append(errs, "missing required flag: --dir")
	}
	for _, peer := range c.Peers {
		if peer.ID == c.ID {
			errs = append(errs, "peer list must not include this node")
		}
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
