package config

import (
	"bytes"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/drunlade/go-batchxfer/keys"
	"github.com/drunlade/go-batchxfer/store"
	"github.com/drunlade/go-batchxfer/transform"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batchxfer.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Address != "localhost:3000" {
		t.Errorf("expected address=localhost:3000, got %s", cfg.Address)
	}
	if cfg.Workers != 5 {
		t.Errorf("expected workers=5, got %d", cfg.Workers)
	}
	if cfg.ProtocolVersion != transform.VersionEncrypted {
		t.Errorf("expected protocol_version=3, got %d", cfg.ProtocolVersion)
	}
	if cfg.IdleTimeout != 0 {
		t.Errorf("expected idle_timeout disabled, got %v", cfg.IdleTimeout.Std())
	}
	if cfg.Storage.Backend != BackendLocal || !cfg.Storage.Clear {
		t.Errorf("expected a cleared local store, got %+v", cfg.Storage)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default() does not validate: %v", err)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv(EnvVar, "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Address != Default().Address {
		t.Errorf("expected default address, got %s", cfg.Address)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	path := writeConfig(t, "address: 0.0.0.0:4000\n")
	t.Setenv(EnvVar, path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Address != "0.0.0.0:4000" {
		t.Errorf("expected address from %s, got %s", EnvVar, cfg.Address)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	t.Setenv("BATCHXFER_TEST_ROOT", "/srv/xfer")
	path := writeConfig(t, `
address: 10.1.2.3:3000
workers: 8
protocol_version: 2
idle_timeout: 30s
progress_interval: 250ms
transform:
  compression: lz4
storage:
  dir: ${BATCHXFER_TEST_ROOT}/download
  clear: false
observe:
  status_address: 127.0.0.1:9100
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.Address != "10.1.2.3:3000" || cfg.Workers != 8 || cfg.ProtocolVersion != 2 {
		t.Errorf("unexpected top-level values: %+v", cfg)
	}
	if cfg.IdleTimeout.Std() != 30*time.Second {
		t.Errorf("expected idle_timeout=30s, got %v", cfg.IdleTimeout.Std())
	}
	if cfg.ProgressInterval.Std() != 250*time.Millisecond {
		t.Errorf("expected progress_interval=250ms, got %v", cfg.ProgressInterval.Std())
	}
	if cfg.Transform.Compression != transform.CompressorLZ4 {
		t.Errorf("expected compression=lz4, got %s", cfg.Transform.Compression)
	}
	if cfg.Transform.Cipher != transform.CipherXChaCha20Poly1305 {
		t.Errorf("expected the default cipher to survive, got %s", cfg.Transform.Cipher)
	}
	if cfg.Storage.Dir != "/srv/xfer/download" {
		t.Errorf("expected expanded storage dir, got %s", cfg.Storage.Dir)
	}
	if cfg.Storage.Clear {
		t.Error("expected clear=false from the file")
	}
	if cfg.Observe.StatusAddress != "127.0.0.1:9100" {
		t.Errorf("expected status address, got %s", cfg.Observe.StatusAddress)
	}

	xferConfig := cfg.Xfer()
	if xferConfig.Workers != 8 || xferConfig.IdleTimeout != 30*time.Second {
		t.Errorf("Xfer() = %+v", xferConfig)
	}
}

func TestDurationIntegerSeconds(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, "idle_timeout: 45\n"))
	if err != nil {
		t.Fatalf("LoadFile() failed: %v", err)
	}
	if cfg.IdleTimeout.Std() != 45*time.Second {
		t.Errorf("expected 45s, got %v", cfg.IdleTimeout.Std())
	}
}

func TestLoadFileErrors(t *testing.T) {
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
	if _, err := LoadFile(writeConfig(t, "idle_timeout: soon\n")); err == nil {
		t.Error("expected error for an invalid duration")
	}
	if _, err := LoadFile(writeConfig(t, "workers: [1, 2]\n")); err == nil {
		t.Error("expected error for a malformed value")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{name: "no workers", modify: func(c *Config) { c.Workers = 0 }, wantErr: "workers"},
		{name: "unknown version", modify: func(c *Config) { c.ProtocolVersion = 7 }, wantErr: "protocol_version"},
		{name: "unknown compression", modify: func(c *Config) { c.Transform.Compression = "gzip" }, wantErr: "transform.compression"},
		{name: "unknown cipher", modify: func(c *Config) { c.Transform.Cipher = "des" }, wantErr: "transform.cipher"},
		{name: "unknown key source", modify: func(c *Config) { c.Key.Source = "vault" }, wantErr: "key.source"},
		{name: "file source without file", modify: func(c *Config) { c.Key.Source = KeySourceFile }, wantErr: "key.file"},
		{name: "passphrase without salt", modify: func(c *Config) {
			c.Key.Source = KeySourcePassphrase
			c.Key.Passphrase = "secret"
		}, wantErr: "key.salt"},
		{name: "s3 without bucket", modify: func(c *Config) { c.Storage.Backend = BackendS3 }, wantErr: "storage.bucket"},
		{name: "unknown backend", modify: func(c *Config) { c.Storage.Backend = "ftp" }, wantErr: "storage.backend"},
		{name: "ssh without user", modify: func(c *Config) { c.SSH.Address = "bastion:22" }, wantErr: "ssh.user"},
		{name: "negative idle timeout", modify: func(c *Config) { c.IdleTimeout = Duration(-time.Second) }, wantErr: "idle_timeout"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := Default()
			test.modify(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), test.wantErr) {
				t.Errorf("Validate() error = %v, want error containing %q", err, test.wantErr)
			}
		})
	}
}

func TestValidateIgnoresKeyWithoutEncryption(t *testing.T) {
	cfg := Default()
	cfg.ProtocolVersion = transform.VersionCompressed
	cfg.Key.Source = "vault"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil when encryption is off", err)
	}
}

func TestPipelineMatchesAcrossEnds(t *testing.T) {
	master := bytes.Repeat([]byte{9}, keys.KeySize)
	t.Setenv("BATCHXFER_TEST_KEY", hex.EncodeToString(master))

	cfg := Default()
	cfg.Key.Env = "BATCHXFER_TEST_KEY"
	provider, err := cfg.KeyProvider(nil, nil)
	if err != nil {
		t.Fatalf("KeyProvider() failed: %v", err)
	}

	sender, fingerprint, err := cfg.Pipeline(provider)
	if err != nil {
		t.Fatalf("Pipeline() failed: %v", err)
	}
	receiver, otherFingerprint, err := cfg.Pipeline(provider)
	if err != nil {
		t.Fatalf("Pipeline() failed: %v", err)
	}
	if fingerprint == "" || fingerprint != otherFingerprint {
		t.Errorf("fingerprints %q and %q should match and be non-empty", fingerprint, otherFingerprint)
	}
	if sender.String() != "zstd+xchacha20poly1305" {
		t.Errorf("pipeline = %s, want zstd+xchacha20poly1305", sender)
	}

	wire, _, err := sender.Encode([]byte("configured"))
	if err != nil {
		t.Fatalf("Encode() failed: %v", err)
	}
	got, _, err := receiver.Decode(wire)
	if err != nil {
		t.Fatalf("Decode() failed: %v", err)
	}
	if string(got) != "configured" {
		t.Errorf("round trip = %q", got)
	}
}

func TestPipelineWithoutEncryptionNeedsNoKey(t *testing.T) {
	cfg := Default()
	cfg.ProtocolVersion = transform.VersionRaw
	pipeline, fingerprint, err := cfg.Pipeline(nil)
	if err != nil {
		t.Fatalf("Pipeline() failed: %v", err)
	}
	if fingerprint != "" || pipeline.String() != "raw" {
		t.Errorf("pipeline %s fingerprint %q, want raw and none", pipeline, fingerprint)
	}

	cfg.ProtocolVersion = transform.VersionEncrypted
	if _, _, err := cfg.Pipeline(nil); err == nil {
		t.Error("expected an error for encryption without a key provider")
	}
}

func TestKeyProviderSources(t *testing.T) {
	cfg := Default()
	cfg.Key.Source = KeySourcePassphrase
	cfg.Key.Passphrase = "secret"
	cfg.Key.Salt = "salt"
	cfg.Key.Iterations = 1000

	provider, err := cfg.KeyProvider(nil, nil)
	if err != nil {
		t.Fatalf("KeyProvider() failed: %v", err)
	}
	got, err := provider.Key()
	if err != nil {
		t.Fatalf("Key() failed: %v", err)
	}
	want, _ := keys.Passphrase("secret", []byte("salt"), 1000).Key()
	if !bytes.Equal(got, want) {
		t.Error("passphrase source produced a different key")
	}

	cfg.Key.Source = "vault"
	if _, err := cfg.KeyProvider(nil, nil); err == nil {
		t.Error("expected error for an unknown source")
	}
}

func TestStoreLocal(t *testing.T) {
	cfg := Default()
	cfg.Storage.Dir = filepath.Join(t.TempDir(), "download")

	opened, err := cfg.Store(t.Context(), nil)
	if err != nil {
		t.Fatalf("Store() failed: %v", err)
	}
	local, ok := opened.(*store.Local)
	if !ok {
		t.Fatalf("Store() returned %T, want *store.Local", opened)
	}
	if local.Dir() != cfg.Storage.Dir {
		t.Errorf("store dir = %s, want %s", local.Dir(), cfg.Storage.Dir)
	}
}
