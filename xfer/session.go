package xfer

import (
	"time"

	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/transform"
)

// Config holds the tunables shared by clients and servers.
type Config struct {
	// Workers is the number of connections a server handles at once.
	Workers int

	// IdleTimeout bounds every socket read and write. Zero disables it, in
	// which case a stalled peer blocks its worker until the connection is
	// closed.
	IdleTimeout time.Duration

	// DialTimeout bounds connection establishment for the default dialer.
	DialTimeout time.Duration

	// ProgressInterval is the minimum time between progress callbacks.
	ProgressInterval time.Duration

	// TraceIO logs every socket read and write at debug level.
	TraceIO bool
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:          DefaultWorkers,
		IdleTimeout:      0,
		DialTimeout:      10 * time.Second,
		ProgressInterval: DefaultProgressInterval,
		TraceIO:          false,
	}
}

// settings is the resolved configuration of a Client, Server, Sender or
// Receiver.
type settings struct {
	config    *Config
	pipeline  *transform.Pipeline
	logger    Logger
	observer  observe.Observer
	callbacks *Callbacks
	dialer    Dialer
}

// Option configures a Client, Server, Sender or Receiver.
type Option func(*settings)

// WithConfig sets the configuration.
func WithConfig(config *Config) Option {
	return func(s *settings) {
		if config != nil {
			s.config = config
		}
	}
}

// WithPipeline sets the transform pipeline. Both ends of a session must use
// pipelines with the same options and algorithms. Defaults to
// transform.Raw().
func WithPipeline(pipeline *transform.Pipeline) Option {
	return func(s *settings) {
		if pipeline != nil {
			s.pipeline = pipeline
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithObserver sets the instrumentation sink.
func WithObserver(observer observe.Observer) Option {
	return func(s *settings) {
		s.observer = observe.OrNop(observer)
	}
}

// WithCallbacks sets the user-facing callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *settings) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithDialer sets how a Client connects. Ignored by servers.
func WithDialer(dialer Dialer) Option {
	return func(s *settings) {
		if dialer != nil {
			s.dialer = dialer
		}
	}
}

func newSettings(opts []Option) *settings {
	s := &settings{
		config:    DefaultConfig(),
		pipeline:  transform.Raw(),
		logger:    NoopLogger{},
		observer:  observe.Nop{},
		callbacks: defaultCallbacks(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.dialer == nil {
		s.dialer = &TCPDialer{Timeout: s.config.DialTimeout}
	}
	return s
}
