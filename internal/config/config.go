// Package config loads the simulator configuration from YAML and fills in
// whatever the file leaves out from Default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"go.yaml.in/yaml/v3"

	"github.com/ehrlich-b/go-fwspace/internal/constants"
	"github.com/ehrlich-b/go-fwspace/internal/uapi"
)

type Config struct {
	Space    Space    `yaml:"space"`
	Traffic  Traffic  `yaml:"traffic"`
	Consumer Consumer `yaml:"consumer"`
	Logging  Logging  `yaml:"logging"`
	Stats    Stats    `yaml:"stats"`
}

// Space describes the address range being simulated
type Space struct {
	Base       string        `yaml:"base"` // 48-bit address, hex with or without 0x
	Length     uint32        `yaml:"length"`
	QueueSize  int64         `yaml:"queue_size"`
	MaxSlots   int           `yaml:"max_slots"`
	AckTimeout time.Duration `yaml:"ack_timeout"`
	Mapped     bool          `yaml:"mapped"`      // mmap the queue buffer instead of using heap memory
	StaticSize int64         `yaml:"static_size"` // non-zero serves reads from a backing store of this size
}

// Traffic shapes the simulated bus load
type Traffic struct {
	Nodes     int           `yaml:"nodes"`
	Writes    int           `yaml:"writes"` // per node
	Reads     int           `yaml:"reads"`  // per node
	MaxLength uint32        `yaml:"max_length"`
	Interval  time.Duration `yaml:"interval"`
	LockRatio float64       `yaml:"lock_ratio"`
}

type Consumer struct {
	Delay      time.Duration `yaml:"delay"` // simulated work per write
	ServeReads bool          `yaml:"serve_reads"`
	Trace      bool          `yaml:"trace"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Stats struct {
	Type      string        `yaml:"type"` // "none" or "prometheus"
	Listen    string        `yaml:"listen"`
	Path      string        `yaml:"path"`
	Namespace string        `yaml:"namespace"`
	Subsystem string        `yaml:"subsystem"`
	Interval  time.Duration `yaml:"interval"`
}

// Default returns the configuration used for anything a file does not set
func Default() Config {
	return Config{
		Space: Space{
			Base:      "ffff00000000",
			Length:    0x10000,
			QueueSize: constants.DefaultQueueBufferSize,
			MaxSlots:  constants.DefaultMaxSlots,
		},
		Traffic: Traffic{
			Nodes:     4,
			Writes:    1000,
			MaxLength: 512,
			Interval:  constants.SimTrafficInterval,
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Stats: Stats{
			Type:      "none",
			Listen:    "127.0.0.1:9090",
			Path:      "/metrics",
			Namespace: "fwspace",
			Interval:  10 * time.Second,
		},
	}
}

// Load reads and parses a YAML file
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML and merges Default underneath it. Zero values in the
// document count as unset.
func Parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	if err := mergo.Merge(&c, Default()); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if _, err := c.BaseAddress(); err != nil {
		return err
	}
	if c.Space.QueueSize < 0 || c.Space.QueueSize > int64(^uint32(0)) {
		return fmt.Errorf("space.queue_size %d out of range", c.Space.QueueSize)
	}
	if c.Space.MaxSlots < 0 {
		return fmt.Errorf("space.max_slots must not be negative")
	}
	if c.Space.AckTimeout < 0 {
		return fmt.Errorf("space.ack_timeout must not be negative")
	}
	if c.Space.StaticSize < 0 {
		return fmt.Errorf("space.static_size must not be negative")
	}
	if c.Traffic.MaxLength > constants.MaxAsyncPayload {
		return fmt.Errorf("traffic.max_length %d exceeds %d", c.Traffic.MaxLength, constants.MaxAsyncPayload)
	}
	if c.Traffic.LockRatio < 0 || c.Traffic.LockRatio > 1 {
		return fmt.Errorf("traffic.lock_ratio must be between 0 and 1")
	}

	switch c.Stats.Type {
	case "none", "prometheus":
	default:
		return fmt.Errorf("stats.type was not understood: %s", c.Stats.Type)
	}
	return nil
}

// BaseAddress parses Space.Base
func (c *Config) BaseAddress() (uapi.Address, error) {
	s := strings.TrimPrefix(strings.ToLower(c.Space.Base), "0x")
	if s == "" {
		return uapi.Address{}, errors.New("space.base should not be empty")
	}

	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return uapi.Address{}, fmt.Errorf("space.base %q: %w", c.Space.Base, err)
	}
	if v > uapi.ADDRESS_MASK {
		return uapi.Address{}, fmt.Errorf("space.base %q exceeds 48 bits", c.Space.Base)
	}
	if v+uint64(c.Space.Length) > uapi.ADDRESS_MASK+1 {
		return uapi.Address{}, fmt.Errorf("space %q + %#x runs past the end of the address space", c.Space.Base, c.Space.Length)
	}
	return uapi.AddressFromUint64(v), nil
}

// String renders the effective configuration as YAML
func (c *Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return err.Error()
	}
	return string(b)
}
