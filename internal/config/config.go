// Package config loads and persists callmesh settings as a JSON file under
// the node directory.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/petervdpas/callmesh/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	P2P      P2P      `json:"p2p"`
	Presence Presence `json:"presence"`
	ICE      ICE      `json:"ice"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	TopicPrefix  string `json:"topic_prefix"`
	TTLSec       int    `json:"ttl_seconds"`
	HeartbeatSec int    `json:"heartbeat_seconds"`
}

type ICE struct {
	// ResolverURL is the endpoint returning {"iceServers":[...]} with TURN
	// credentials. Empty means STUN-only defaults.
	ResolverURL string `json:"resolver_url"`

	// STUNURLs overrides the fallback STUN list. Empty keeps the default.
	STUNURLs []string `json:"stun_urls"`
}

// Default returns the standard configuration rooted at dir.
func Default(dir string) Config {
	return Config{
		Identity: Identity{KeyFile: filepath.Join(dir, "identity.key")},
		P2P: P2P{
			ListenPort: 0, // ephemeral
			MdnsTag:    "callmesh-mdns",
		},
		Presence: Presence{
			TTLSec:       15,
			HeartbeatSec: 5,
		},
	}
}

// Load reads the config at path, filling unset fields from Default rooted
// at the file's directory. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default(filepath.Dir(path))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if cfg.Identity.KeyFile == "" {
		cfg.Identity.KeyFile = filepath.Join(filepath.Dir(path), "identity.key")
	} else {
		cfg.Identity.KeyFile = util.ResolvePath(filepath.Dir(path), cfg.Identity.KeyFile)
	}
	if cfg.P2P.MdnsTag == "" {
		cfg.P2P.MdnsTag = "callmesh-mdns"
	}
	if cfg.Presence.TTLSec <= 0 {
		cfg.Presence.TTLSec = 15
	}
	if cfg.Presence.HeartbeatSec <= 0 {
		cfg.Presence.HeartbeatSec = 5
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories if needed.
func Save(path string, cfg Config) error {
	return util.WriteJSONFile(path, cfg)
}
