package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/netsampler/nf9reassembler/format"
	"github.com/netsampler/nf9reassembler/transport"
	"github.com/netsampler/nf9reassembler/utils"
	"github.com/netsampler/nf9reassembler/utils/pending"
	"github.com/netsampler/nf9reassembler/utils/templates"
)

// Config holds configuration for the reassembler application.
type Config struct {
	ConfigFile string `yaml:"-"`

	ListenAddresses string `yaml:"listen"`

	LogLevel string `yaml:"loglevel"`
	LogFmt   string `yaml:"logfmt"`

	Format    string `yaml:"format"`
	Transport string `yaml:"transport"`

	ErrCnt int           `yaml:"err_cnt"`
	ErrInt time.Duration `yaml:"err_int"`

	Addr         string `yaml:"addr"`
	TemplatePath string `yaml:"templates_path"`

	Reassembly ReassemblyConfig `yaml:"reassembly"`
}

// ReassemblyConfig bounds the state kept by the aggregator.
type ReassemblyConfig struct {
	TemplatesSize          int           `yaml:"templates_size"`
	PendingMaxWeight       int           `yaml:"pending_max_weight"`
	PendingMaxAge          time.Duration `yaml:"pending_max_age"`
	PendingCleanupInterval time.Duration `yaml:"pending_cleanup_interval"`
	DropReadyOnBuffer      bool          `yaml:"drop_ready_on_buffer"`
	SequenceMaxNegative    int           `yaml:"sequence_max_negative"`
	SequenceTrackerSize    int           `yaml:"sequence_tracker_size"`
}

// BindFlags registers configuration flags and returns a Config holding their defaults.
func BindFlags(fs *flag.FlagSet) *Config {
	cfg := &Config{}

	fs.StringVar(&cfg.ConfigFile, "config", "", "YAML configuration file, flags set on the command line take precedence")
	fs.StringVar(&cfg.ListenAddresses, "listen", "netflow://:2055", "listen addresses")
	fs.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level")
	fs.StringVar(&cfg.LogFmt, "logfmt", "normal", "Log formatter")
	fs.StringVar(&cfg.Format, "format", "json", fmt.Sprintf("Choose the format (available: %s)", strings.Join(format.GetFormats(), ", ")))
	fs.StringVar(&cfg.Transport, "transport", "file", fmt.Sprintf("Choose the transport (available: %s)", strings.Join(transport.GetTransports(), ", ")))
	fs.IntVar(&cfg.ErrCnt, "err.cnt", 10, "Maximum errors per batch for muting")
	fs.DurationVar(&cfg.ErrInt, "err.int", time.Second*10, "Maximum errors interval for muting")
	fs.StringVar(&cfg.Addr, "addr", ":8080", "HTTP server address")
	fs.StringVar(&cfg.TemplatePath, "templates.path", "/templates", "NetFlow v9 templates list")

	fs.IntVar(&cfg.Reassembly.TemplatesSize, "reassembly.templates.size", templates.DefaultStoreSize, "Maximum number of templates kept")
	fs.IntVar(&cfg.Reassembly.PendingMaxWeight, "reassembly.pending.weight", pending.DefaultMaxWeight, "Maximum bytes buffered while waiting for templates")
	fs.DurationVar(&cfg.Reassembly.PendingMaxAge, "reassembly.pending.age", pending.DefaultMaxAge, "Time after the last write before buffered packets of an exporter are dropped")
	fs.DurationVar(&cfg.Reassembly.PendingCleanupInterval, "reassembly.pending.cleanup", pending.DefaultCleanupInterval, "Interval between expiry scans of buffered packets")
	fs.BoolVar(&cfg.Reassembly.DropReadyOnBuffer, "reassembly.dropreadyonbuffer", false, "Drop released packets when the packet releasing them is buffered")
	fs.IntVar(&cfg.Reassembly.SequenceMaxNegative, "reassembly.sequence.maxnegative", utils.DefaultMaxNegativeSequenceDifference, "Sequence number decrease treated as an exporter restart")
	fs.IntVar(&cfg.Reassembly.SequenceTrackerSize, "reassembly.sequence.size", utils.DefaultSequenceTrackerSize, "Maximum number of exporter streams whose sequence numbers are tracked")

	return cfg
}

// LoadFile overlays the YAML file on top of the flag defaults. Flags set
// explicitly on fs keep their value. Keys missing from the file are untouched.
func (c *Config) LoadFile(fs *flag.FlagSet, path string) error {
	explicit := make(map[string]string)
	if fs != nil {
		fs.Visit(func(f *flag.Flag) {
			explicit[f.Name] = f.Value.String()
		})
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("flag %s: %w", name, err)
		}
	}
	return nil
}

// Parse parses args into a Config, loading the file named by -config if any.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := BindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := cfg.LoadFile(fs, cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the aggregator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddresses == "" {
		errs = append(errs, errors.New("no listen address"))
	}
	if c.Reassembly.TemplatesSize <= 0 {
		errs = append(errs, fmt.Errorf("templates size must be positive, got %d", c.Reassembly.TemplatesSize))
	}
	if c.Reassembly.PendingMaxWeight <= 0 {
		errs = append(errs, fmt.Errorf("pending weight must be positive, got %d", c.Reassembly.PendingMaxWeight))
	}
	if c.Reassembly.PendingMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("pending age must be positive, got %s", c.Reassembly.PendingMaxAge))
	}
	if c.Reassembly.PendingCleanupInterval <= 0 {
		errs = append(errs, fmt.Errorf("pending cleanup interval must be positive, got %s", c.Reassembly.PendingCleanupInterval))
	}
	if c.Reassembly.SequenceTrackerSize <= 0 {
		errs = append(errs, fmt.Errorf("sequence tracker size must be positive, got %d", c.Reassembly.SequenceTrackerSize))
	}
	return errors.Join(errs...)
}
