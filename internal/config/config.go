// Package config loads the ambient Options a demo CLI or an embedding
// application supplies when constructing a Client: seed endpoints,
// retry/timeout/queue tuning, and TLS. The routing engine itself never
// touches a file or an environment variable — the core keeps no
// persisted state — but the repository still carries a file-backed
// config loader the way df2redis's internal/config.Config does for its
// migration settings.
//
// Grounded on df2redis's internal/config.Config (Load/ApplyDefaults/
// Validate/ValidationError), with the YAML decoding itself now done by
// gopkg.in/yaml.v3 instead of a hand-rolled parser — df2redis's
// parser.go existed only because yaml.v3 sat unused in its go.mod;
// here it's exercised directly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Options configures a Client: the seed endpoints to bootstrap from,
// retry/timeout tuning, and the inbound queue capacity.
type Options struct {
	Endpoints     []string      `yaml:"endpoints"`
	MaxRetries    *int          `yaml:"maxRetries"`
	DialTimeout   time.Duration `yaml:"dialTimeout"`
	IOTimeout     time.Duration `yaml:"ioTimeout"`
	QueueCapacity int           `yaml:"queueCapacity"`
	Password      string        `yaml:"password"`
	TLS           bool          `yaml:"tls"`

	path string
}

// ValidationError collects every configuration problem found, rather
// than failing on the first one.
type ValidationError struct {
	Path   string
	Errors []string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("config: validation failed")
	if e.Path != "" {
		b.WriteString(" for ")
		b.WriteString(e.Path)
	}
	for _, msg := range e.Errors {
		b.WriteString("\n - ")
		b.WriteString(msg)
	}
	return b.String()
}

// Load reads and validates Options from a YAML file.
func Load(path string) (*Options, error) {
	if path == "" {
		return nil, fmt.Errorf("config: empty config path")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("config: resolve path %s: %w", path, err)
	}
	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", absPath, err)
	}

	var opts Options
	if err := yaml.Unmarshal(raw, &opts); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", absPath, err)
	}
	opts.path = absPath
	opts.ApplyDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &opts, nil
}

// Unbounded is the sentinel a caller sets MaxRetries to in order to ask
// for retry-forever (a request's retry cap of None). YAML has no
// nil-vs-absent distinction worth relying on, so this one negative
// value stands in for None; any other negative value fails Validate,
// and a non-negative value is the Some(n) bound.
const Unbounded = -1

// defaultMaxRetries is the default retry cap: 16 retries, so 17 send
// attempts, before a request's error is surfaced to the caller.
var defaultMaxRetries = 16

// ApplyDefaults fills in the tuning knobs a caller left zero-valued.
func (o *Options) ApplyDefaults() {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.IOTimeout <= 0 {
		o.IOTimeout = 5 * time.Second
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 100
	}
	if o.MaxRetries == nil {
		o.MaxRetries = &defaultMaxRetries
	} else if *o.MaxRetries == Unbounded {
		o.MaxRetries = nil
	}
}

// Validate checks the invariants construction places on Options:
// at least one endpoint, no unix:// socket endpoint, and a scheme on
// every endpoint. It does not parse the endpoints further; the
// bootstrap sequence does that and rejects any scheme other than
// redis:// or rediss://.
func (o *Options) Validate() error {
	var errs []string
	if len(o.Endpoints) == 0 {
		errs = append(errs, "endpoints must not be empty")
	}
	for _, ep := range o.Endpoints {
		if strings.HasPrefix(strings.ToLower(ep), "unix://") {
			errs = append(errs, fmt.Sprintf("endpoint %q: unix sockets are not supported", ep))
			continue
		}
		if !strings.Contains(ep, "://") {
			errs = append(errs, fmt.Sprintf("endpoint %q: missing redis:// or rediss:// scheme", ep))
		}
	}
	if o.MaxRetries != nil && *o.MaxRetries < 0 {
		errs = append(errs, "maxRetries must not be negative")
	}
	if o.QueueCapacity < 0 {
		errs = append(errs, "queueCapacity must not be negative")
	}
	if len(errs) > 0 {
		return &ValidationError{Path: o.path, Errors: errs}
	}
	return nil
}
