// Package cli holds the flag handling shared by xsend and xrecv: config
// file loading with flag overrides, logger construction, and the
// terminal progress display.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/drunlade/go-batchxfer/config"
	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/xfer"
)

// Version is the version printed by --version.
const Version = "0.1.0"

// Common holds the flags both binaries accept.
type Common struct {
	ConfigPath      string
	Verbose         bool
	Quiet           bool
	Address         string
	ProtocolVersion int
	Compression     string
	Cipher          string
	KeySource       string
	KeyFile         string
	KeyEnv          string
	IdleTimeout     time.Duration
	TraceIO         bool
	EventLog        string
}

// AddFlags registers the common flags on flagSet.
func (c *Common) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.ConfigPath, "config", "", "configuration file (default: $"+config.EnvVar+")")
	flagSet.BoolVarP(&c.Verbose, "verbose", "v", false, "log debug messages")
	flagSet.BoolVarP(&c.Quiet, "quiet", "q", false, "log errors only, no progress")
	flagSet.StringVarP(&c.Address, "address", "a", xfer.DefaultAddress, "server address (host:port)")
	flagSet.IntVar(&c.ProtocolVersion, "protocol-version", 3, "1 raw, 2 compressed, 3 compressed and encrypted")
	flagSet.StringVar(&c.Compression, "compression", "zstd", "compression algorithm: zstd or lz4")
	flagSet.StringVar(&c.Cipher, "cipher", "xchacha20poly1305", "cipher: xchacha20poly1305, aes-256-gcm or age")
	flagSet.StringVar(&c.KeySource, "key-source", config.KeySourceEnv, "key source: env, hex, file, passphrase or prompt")
	flagSet.StringVar(&c.KeyFile, "key-file", "", "key file for --key-source=file")
	flagSet.StringVar(&c.KeyEnv, "key-env", config.DefaultKeyEnv, "environment variable for --key-source=env")
	flagSet.DurationVar(&c.IdleTimeout, "idle-timeout", 0, "abort a connection idle for this long (0 disables)")
	flagSet.BoolVar(&c.TraceIO, "trace-io", false, "log every socket read and write (with -v)")
	flagSet.StringVar(&c.EventLog, "event-log", "", "append CBOR event records to this file")
}

// Load reads the configuration file and applies every common flag that was
// set explicitly on the command line.
func (c *Common) Load(flagSet *pflag.FlagSet) (*config.Config, error) {
	cfg, err := config.Load(c.ConfigPath)
	if err != nil {
		return nil, err
	}

	if flagSet.Changed("address") {
		cfg.Address = c.Address
	}
	if flagSet.Changed("protocol-version") {
		cfg.ProtocolVersion = c.ProtocolVersion
	}
	if flagSet.Changed("compression") {
		cfg.Transform.Compression = c.Compression
	}
	if flagSet.Changed("cipher") {
		cfg.Transform.Cipher = c.Cipher
	}
	if flagSet.Changed("key-source") {
		cfg.Key.Source = c.KeySource
	}
	if flagSet.Changed("key-file") {
		cfg.Key.File = c.KeyFile
		if !flagSet.Changed("key-source") {
			cfg.Key.Source = config.KeySourceFile
		}
	}
	if flagSet.Changed("key-env") {
		cfg.Key.Env = c.KeyEnv
	}
	if flagSet.Changed("idle-timeout") {
		cfg.IdleTimeout = config.Duration(c.IdleTimeout)
	}
	if flagSet.Changed("event-log") {
		cfg.Observe.EventLog = c.EventLog
	}
	return cfg, nil
}

// Logger returns a text logger on stderr at the level selected by -v and
// -q.
func (c *Common) Logger() *slog.Logger {
	level := slog.LevelInfo
	switch {
	case c.Quiet:
		level = slog.LevelError
	case c.Verbose:
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// Xfer returns the transfer core configuration with the flag-only settings
// applied.
func (c *Common) Xfer(cfg *config.Config) *xfer.Config {
	xferConfig := cfg.Xfer()
	xferConfig.TraceIO = c.TraceIO
	return xferConfig
}

// OpenEventLog opens path for appending CBOR records. An empty path
// returns a nil log and a no-op close.
func OpenEventLog(path string) (*observe.EventLog, func() error, error) {
	if path == "" {
		return nil, func() error { return nil }, nil
	}
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening event log: %w", err)
	}
	eventLog := observe.NewEventLog(file)
	return eventLog, eventLog.Close, nil
}

// Progress renders a single updating progress line per file on out when
// out is a terminal. Otherwise it prints one line per completed file.
type Progress struct {
	mu       sync.Mutex
	out      io.Writer
	terminal bool
	quiet    bool
}

// NewProgress creates a progress display on out.
func NewProgress(out *os.File, quiet bool) *Progress {
	return &Progress{
		out:      out,
		terminal: term.IsTerminal(int(out.Fd())),
		quiet:    quiet,
	}
}

// Callbacks returns transfer callbacks driving the display.
func (p *Progress) Callbacks() *xfer.Callbacks {
	return &xfer.Callbacks{
		OnProgress: func(name string, transferred, total int64, rate float64) {
			if p.quiet || !p.terminal {
				return
			}
			percent := float64(100)
			if total > 0 {
				percent = float64(transferred) / float64(total) * 100
			}
			p.mu.Lock()
			fmt.Fprintf(p.out, "\r%s: %.1f%% (%.0f bytes/s)", name, percent, rate)
			p.mu.Unlock()
		},
		OnFileComplete: func(name string, wireBytes int64, duration time.Duration) {
			if p.quiet {
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.terminal {
				fmt.Fprint(p.out, "\r")
			}
			fmt.Fprintf(p.out, "%s (%d bytes in %v)\n", name, wireBytes, duration.Round(time.Millisecond))
		},
	}
}

// PrintHelp writes the usage text and flag defaults to stderr.
func PrintHelp(flagSet *pflag.FlagSet, usage string) {
	fmt.Fprint(os.Stderr, usage)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
