package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drunlade/go-batchxfer/keys"
	"github.com/drunlade/go-batchxfer/store"
	"github.com/drunlade/go-batchxfer/transform"
	"github.com/drunlade/go-batchxfer/xfer"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "BATCHXFER_CONFIG"

// DefaultKeyEnv is the environment variable read by the "env" key source.
const DefaultKeyEnv = "BATCHXFER_KEY"

// Key sources.
const (
	KeySourceEnv        = "env"
	KeySourceHex        = "hex"
	KeySourceFile       = "file"
	KeySourcePassphrase = "passphrase"
	KeySourcePrompt     = "prompt"
)

// Storage backends.
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// Config is the configuration shared by xsend and xrecv.
type Config struct {
	// Address is the server address, host:port. The server listens on it
	// and the client connects to it.
	Address string `yaml:"address"`

	// Workers is the number of connections the server handles at once.
	Workers int `yaml:"workers"`

	// ProtocolVersion selects the pipeline stages: 1 raw, 2 compressed,
	// 3 compressed and encrypted.
	ProtocolVersion int `yaml:"protocol_version"`

	// IdleTimeout bounds every socket operation. 0 disables it.
	IdleTimeout Duration `yaml:"idle_timeout"`

	// ProgressInterval is the minimum time between progress updates.
	ProgressInterval Duration `yaml:"progress_interval"`

	// UploadDir is the directory the client sends.
	UploadDir string `yaml:"upload_dir"`

	// Transform names the algorithms of the pipeline stages.
	Transform TransformConfig `yaml:"transform"`

	// Key configures where the transfer key comes from.
	Key KeyConfig `yaml:"key"`

	// Storage configures where the server persists files.
	Storage StorageConfig `yaml:"storage"`

	// Observe configures instrumentation outputs.
	Observe ObserveConfig `yaml:"observe"`

	// SSH, when Address is set, makes the client tunnel through an SSH
	// server.
	SSH SSHConfig `yaml:"ssh"`
}

// TransformConfig names the pipeline algorithms.
type TransformConfig struct {
	// Compression is "zstd" or "lz4".
	// Default: zstd
	Compression string `yaml:"compression"`

	// Cipher is "xchacha20poly1305", "aes-256-gcm" or "age".
	// Default: xchacha20poly1305
	Cipher string `yaml:"cipher"`
}

// KeyConfig configures the key provider. Only the fields of the selected
// source are used.
type KeyConfig struct {
	// Source is one of env, hex, file, passphrase, prompt.
	// Default: env
	Source string `yaml:"source"`

	// Env is the variable read by the env source, holding hex.
	// Default: BATCHXFER_KEY
	Env string `yaml:"env"`

	// Hex is the key itself, for the hex source. Keep the file private.
	Hex string `yaml:"hex"`

	// File is a key file for the file source: 32 raw bytes or hex text.
	File string `yaml:"file"`

	// Passphrase is stretched with PBKDF2 for the passphrase source.
	Passphrase string `yaml:"passphrase"`

	// Salt for the passphrase and prompt sources. Both ends must use the
	// same salt.
	Salt string `yaml:"salt"`

	// Iterations for PBKDF2.
	// Default: 600000
	Iterations int `yaml:"iterations"`
}

// StorageConfig configures the server's store.
type StorageConfig struct {
	// Backend is "local" or "s3".
	// Default: local
	Backend string `yaml:"backend"`

	// Dir is the download directory of the local backend.
	// Default: ./download
	Dir string `yaml:"dir"`

	// Clear removes the regular files already in Dir at startup.
	// Default: true
	Clear bool `yaml:"clear"`

	// Bucket, Prefix and Region configure the s3 backend.
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// ObserveConfig configures instrumentation outputs. Empty values disable
// the corresponding output.
type ObserveConfig struct {
	// EventLog is a file receiving every event as a CBOR record.
	EventLog string `yaml:"event_log"`

	// StatusAddress is where the server exposes its HTTP status endpoint.
	StatusAddress string `yaml:"status_address"`
}

// SSHConfig configures the client's SSH tunnel.
type SSHConfig struct {
	Address               string `yaml:"address"`
	User                  string `yaml:"user"`
	KeyFile               string `yaml:"key_file"`
	KnownHosts            string `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool   `yaml:"insecure_ignore_host_key"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// UnmarshalYAML parses a duration string. A bare integer is seconds.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	if node.Tag == "!!int" {
		var seconds int64
		if err := node.Decode(&seconds); err != nil {
			return err
		}
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the default configuration: the final protocol version
// with zstd and XChaCha20-Poly1305, the key in BATCHXFER_KEY, and a local
// download directory cleared at startup.
func Default() *Config {
	return &Config{
		Address:          xfer.DefaultAddress,
		Workers:          xfer.DefaultWorkers,
		ProtocolVersion:  transform.VersionEncrypted,
		IdleTimeout:      0,
		ProgressInterval: Duration(xfer.DefaultProgressInterval),
		UploadDir:        "./upload",
		Transform: TransformConfig{
			Compression: transform.CompressorZstd,
			Cipher:      transform.CipherXChaCha20Poly1305,
		},
		Key: KeyConfig{
			Source:     KeySourceEnv,
			Env:        DefaultKeyEnv,
			Iterations: keys.DefaultIterations,
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			Dir:     "./download",
			Clear:   true,
		},
	}
}

// Load loads the file named by path, or by BATCHXFER_CONFIG when path is
// empty. With neither set it returns Default().
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path, on top of the
// defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} in path fields.
func (c *Config) expandVariables() {
	c.UploadDir = os.ExpandEnv(c.UploadDir)
	c.Storage.Dir = os.ExpandEnv(c.Storage.Dir)
	c.Key.File = os.ExpandEnv(c.Key.File)
	c.Observe.EventLog = os.ExpandEnv(c.Observe.EventLog)
	c.SSH.KeyFile = os.ExpandEnv(c.SSH.KeyFile)
	c.SSH.KnownHosts = os.ExpandEnv(c.SSH.KnownHosts)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Address == "" {
		errs = append(errs, fmt.Errorf("address is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if _, err := transform.OptionsForVersion(c.ProtocolVersion); err != nil {
		errs = append(errs, fmt.Errorf("protocol_version: %w", err))
	}
	if c.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("idle_timeout must not be negative"))
	}

	compressors := []string{transform.CompressorZstd, transform.CompressorLZ4}
	if !slices.Contains(compressors, c.Transform.Compression) {
		errs = append(errs, fmt.Errorf("transform.compression must be one of: %v", compressors))
	}
	ciphers := []string{transform.CipherXChaCha20Poly1305, transform.CipherAES256GCM, transform.CipherAge}
	if !slices.Contains(ciphers, c.Transform.Cipher) {
		errs = append(errs, fmt.Errorf("transform.cipher must be one of: %v", ciphers))
	}

	if c.ProtocolVersion == transform.VersionEncrypted {
		errs = append(errs, c.validateKey()...)
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Dir == "" {
			errs = append(errs, fmt.Errorf("storage.dir is required for the local backend"))
		}
	case BackendS3:
		if c.Storage.Bucket == "" {
			errs = append(errs, fmt.Errorf("storage.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of: [%s %s]", BackendLocal, BackendS3))
	}

	if c.SSH.Address != "" && c.SSH.User == "" {
		errs = append(errs, fmt.Errorf("ssh.user is required when ssh.address is set"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (c *Config) validateKey() []error {
	var errs []error
	switch c.Key.Source {
	case KeySourceEnv:
		if c.Key.Env == "" {
			errs = append(errs, fmt.Errorf("key.env is required for the env source"))
		}
	case KeySourceHex:
		if c.Key.Hex == "" {
			errs = append(errs, fmt.Errorf("key.hex is required for the hex source"))
		}
	case KeySourceFile:
		if c.Key.File == "" {
			errs = append(errs, fmt.Errorf("key.file is required for the file source"))
		}
	case KeySourcePassphrase, KeySourcePrompt:
		if c.Key.Source == KeySourcePassphrase && c.Key.Passphrase == "" {
			errs = append(errs, fmt.Errorf("key.passphrase is required for the passphrase source"))
		}
		if c.Key.Salt == "" {
			errs = append(errs, fmt.Errorf("key.salt is required for the %s source", c.Key.Source))
		}
		if c.Key.Iterations < 1 {
			errs = append(errs, fmt.Errorf("key.iterations must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("key.source must be one of: [%s %s %s %s %s]",
			KeySourceEnv, KeySourceHex, KeySourceFile, KeySourcePassphrase, KeySourcePrompt))
	}
	return errs
}

// Options returns the pipeline stages of the configured protocol version.
func (c *Config) Options() (transform.Options, error) {
	return transform.OptionsForVersion(c.ProtocolVersion)
}

// KeyProvider returns the configured key provider. in and out are used by
// the prompt source only.
func (c *Config) KeyProvider(in *os.File, out io.Writer) (keys.Provider, error) {
	switch c.Key.Source {
	case KeySourceEnv:
		return keys.Env(c.Key.Env), nil
	case KeySourceHex:
		return keys.Hex(c.Key.Hex), nil
	case KeySourceFile:
		return keys.File(c.Key.File), nil
	case KeySourcePassphrase:
		return keys.Passphrase(c.Key.Passphrase, []byte(c.Key.Salt), c.Key.Iterations), nil
	case KeySourcePrompt:
		return keys.Prompt(in, out, []byte(c.Key.Salt), c.Key.Iterations), nil
	default:
		return nil, fmt.Errorf("unknown key source %q", c.Key.Source)
	}
}

// Pipeline builds the transform pipeline. The key is only requested from
// provider when encryption is enabled; provider may be nil otherwise. The
// returned fingerprint identifies the transfer key and is empty without
// encryption.
func (c *Config) Pipeline(provider keys.Provider) (*transform.Pipeline, string, error) {
	options, err := c.Options()
	if err != nil {
		return nil, "", err
	}

	var compressor transform.Compressor
	if options.Compress {
		compressor, err = transform.NewCompressor(c.Transform.Compression)
		if err != nil {
			return nil, "", err
		}
	}

	var cipher transform.Cipher
	var fingerprint string
	if options.Encrypt {
		if provider == nil {
			return nil, "", fmt.Errorf("protocol version %d needs a key", c.ProtocolVersion)
		}
		key, err := keys.TransferKey(provider)
		if err != nil {
			return nil, "", err
		}
		defer keys.Zero(key)
		fingerprint = keys.Fingerprint(key)
		cipher, err = transform.NewCipher(c.Transform.Cipher, key)
		if err != nil {
			return nil, "", err
		}
	}

	pipeline, err := transform.NewPipeline(options, compressor, cipher)
	if err != nil {
		return nil, "", err
	}
	return pipeline, fingerprint, nil
}

// Xfer returns the transfer core configuration.
func (c *Config) Xfer() *xfer.Config {
	cfg := xfer.DefaultConfig()
	cfg.Workers = c.Workers
	cfg.IdleTimeout = c.IdleTimeout.Std()
	cfg.ProgressInterval = c.ProgressInterval.Std()
	return cfg
}

// Store opens the configured storage backend. onClearError receives every
// file the local backend failed to remove while clearing.
func (c *Config) Store(ctx context.Context, onClearError func(path string, err error)) (xfer.Store, error) {
	switch c.Storage.Backend {
	case BackendLocal:
		local, err := store.NewLocal(c.Storage.Dir, store.LocalOptions{
			Clear:        c.Storage.Clear,
			OnClearError: onClearError,
		})
		if err != nil {
			return nil, err
		}
		return local, nil
	case BackendS3:
		remote, err := store.NewS3(ctx, store.S3Options{
			Bucket: c.Storage.Bucket,
			Prefix: c.Storage.Prefix,
			Region: c.Storage.Region,
		})
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
}

// SSHEnabled reports whether the client should tunnel through SSH.
func (c *Config) SSHEnabled() bool {
	return c.SSH.Address != ""
}

// Tunnel returns the SSH tunnel settings. password is not stored in the
// file and may be empty.
func (c *Config) Tunnel(password string) xfer.SSHConfig {
	return xfer.SSHConfig{
		Address:               c.SSH.Address,
		User:                  c.SSH.User,
		KeyFile:               c.SSH.KeyFile,
		Password:              password,
		KnownHosts:            c.SSH.KnownHosts,
		InsecureIgnoreHostKey: c.SSH.InsecureIgnoreHostKey,
	}
}
