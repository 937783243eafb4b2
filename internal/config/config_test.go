package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "config.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.KeyFile != filepath.Join(dir, "identity.key") {
		t.Fatalf("key file = %s", cfg.Identity.KeyFile)
	}
	if cfg.P2P.MdnsTag != "callmesh-mdns" {
		t.Fatalf("mdns tag = %s", cfg.P2P.MdnsTag)
	}
	if cfg.Presence.TTLSec != 15 || cfg.Presence.HeartbeatSec != 5 {
		t.Fatalf("presence defaults = %+v", cfg.Presence)
	}
}

func TestLoadFillsUnsetFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	body := `{"p2p":{"listen_port":4001},"presence":{"ttl_seconds":30},"ice":{"resolver_url":"https://ice.example.org"}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.P2P.ListenPort != 4001 {
		t.Fatalf("listen port = %d", cfg.P2P.ListenPort)
	}
	if cfg.Presence.TTLSec != 30 || cfg.Presence.HeartbeatSec != 5 {
		t.Fatalf("presence = %+v", cfg.Presence)
	}
	if cfg.ICE.ResolverURL != "https://ice.example.org" {
		t.Fatalf("resolver url = %s", cfg.ICE.ResolverURL)
	}
	if cfg.Identity.KeyFile != filepath.Join(dir, "identity.key") {
		t.Fatalf("key file = %s", cfg.Identity.KeyFile)
	}
}

func TestLoadResolvesRelativeKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(`{"identity":{"key_file":"keys/id.key"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Identity.KeyFile != filepath.Join(dir, "keys", "id.key") {
		t.Fatalf("key file = %s", cfg.Identity.KeyFile)
	}
}

func TestLoadRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.json")

	want := Default(dir)
	want.P2P.ListenPort = 4001
	if err := Save(path, want); err != nil {
		t.Fatal(err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.P2P.ListenPort != 4001 || got.Identity.KeyFile != want.Identity.KeyFile {
		t.Fatalf("round trip = %+v", got)
	}
}
