// Package config loads driver configuration: which bus windows to probe
// for devices and how large the rings and the DMA arena should be.
package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MMIOWindow is one candidate register window to probe during
// discovery.
type MMIOWindow struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size,omitempty"`
	Line uint32 `yaml:"line"`
}

type Config struct {
	// ArenaBytes sizes the DMA arena shared by queues and buffers.
	ArenaBytes uint64 `yaml:"arenaBytes,omitempty"`

	// QueueSizeCap bounds negotiated queue sizes; the device's own
	// maximum wins when smaller. Zero means take the device maximum.
	QueueSizeCap uint16 `yaml:"queueSizeCap,omitempty"`

	MMIOWindows []MMIOWindow `yaml:"mmioWindows,omitempty"`

	// ProbePCI enables the PCI capability-transport scan.
	ProbePCI bool `yaml:"probePCI,omitempty"`
}

const (
	DefaultArenaBytes = 1 << 20
)

func (c *Config) normalize() error {
	if c.ArenaBytes == 0 {
		c.ArenaBytes = DefaultArenaBytes
	}
	if c.QueueSizeCap != 0 && c.QueueSizeCap&(c.QueueSizeCap-1) != 0 {
		return fmt.Errorf("queueSizeCap %d is not a power of two", c.QueueSizeCap)
	}
	for i := range c.MMIOWindows {
		if c.MMIOWindows[i].Size == 0 {
			c.MMIOWindows[i].Size = 0x200
		}
	}
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	c := Config{}
	c.normalize()
	return c
}

// Load reads and validates a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML config bytes and applies defaults. Unknown fields
// are rejected so typos fail loudly instead of silently using defaults.
func Parse(data []byte) (Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := c.normalize(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
