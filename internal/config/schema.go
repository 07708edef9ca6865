package config

import (
	"fmt"
	"time"

	"github.com/wsilab/tessera/internal/slide"
	"github.com/wsilab/tessera/internal/tile"
)

// Config holds tessera configuration.
// Stored at: ./tessera.yaml or ~/.tessera/config.yaml
type Config struct {
	// Workers sizes the ROI worker pool; 0 picks min(NumCPU, 8).
	Workers int `mapstructure:"workers" yaml:"workers"`
	// PoolSize caps live slide handles across all workers.
	PoolSize int `mapstructure:"pool_size" yaml:"pool_size"`
	// MaxDownsample bounds the extraction level; 1 pins level 0.
	MaxDownsample float64 `mapstructure:"max_downsample" yaml:"max_downsample"`
	// ColorFilter keeps only annotations matching a named color rule
	// ("blue"); empty keeps all.
	ColorFilter string `mapstructure:"color_filter" yaml:"color_filter"`

	Patch   PatchCfg   `mapstructure:"patch" yaml:"patch"`
	Read    ReadCfg    `mapstructure:"read" yaml:"read"`
	Convert ConvertCfg `mapstructure:"convert" yaml:"convert"`
}

// PatchCfg configures patch geometry and output.
type PatchCfg struct {
	Width        int      `mapstructure:"width" yaml:"width"`
	Height       int      `mapstructure:"height" yaml:"height"`
	StrideX      int      `mapstructure:"stride_x" yaml:"stride_x"`
	StrideY      int      `mapstructure:"stride_y" yaml:"stride_y"`
	Edge         string   `mapstructure:"edge" yaml:"edge"` // drop|pad|shrink
	MinInclusion float64  `mapstructure:"min_inclusion" yaml:"min_inclusion"`
	PadValue     int      `mapstructure:"pad_value" yaml:"pad_value"`
	Formats      []string `mapstructure:"formats" yaml:"formats"` // png, tiff
}

// ReadCfg guards region reads against flaky or hung readers.
// Durations are strings ("500ms", "30s").
type ReadCfg struct {
	RetryAttempts int    `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    string `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout       string `mapstructure:"timeout" yaml:"timeout"`
}

// ConvertCfg configures the vendor slide converter.
type ConvertCfg struct {
	// ExePath locates the converter executable (supports ${ENV_VAR} syntax).
	ExePath string `mapstructure:"exe_path" yaml:"exe_path"`
	// Level is the pyramid depth argument passed to the converter (2-9).
	Level int `mapstructure:"level" yaml:"level"`
	// DockerImage runs the converter in a container when set.
	DockerImage string `mapstructure:"docker_image" yaml:"docker_image"`
	InputExt    string `mapstructure:"input_ext" yaml:"input_ext"`
	OutputExt   string `mapstructure:"output_ext" yaml:"output_ext"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:       0,
		PoolSize:      4,
		MaxDownsample: 1.0,
		ColorFilter:   "",
		Patch: PatchCfg{
			Width:        256,
			Height:       256,
			StrideX:      256,
			StrideY:      256,
			Edge:         "drop",
			MinInclusion: 0.5,
			PadValue:     255,
			Formats:      []string{"png"},
		},
		Read: ReadCfg{
			RetryAttempts: 3,
			RetryDelay:    "500ms",
			Timeout:       "30s",
		},
		Convert: ConvertCfg{
			Level:     9,
			InputExt:  ".kfb",
			OutputExt: ".svs",
		},
	}
}

// TileSpec converts the patch section into a validated tile spec.
func (c *Config) TileSpec() (tile.Spec, error) {
	edge, err := tile.ParseEdgePolicy(c.Patch.Edge)
	if err != nil {
		return tile.Spec{}, err
	}
	if c.Patch.PadValue < 0 || c.Patch.PadValue > 255 {
		return tile.Spec{}, fmt.Errorf("pad_value %d outside [0, 255]", c.Patch.PadValue)
	}

	spec := tile.Spec{
		Width:        c.Patch.Width,
		Height:       c.Patch.Height,
		StrideX:      c.Patch.StrideX,
		StrideY:      c.Patch.StrideY,
		Edge:         edge,
		MinInclusion: c.Patch.MinInclusion,
		PadValue:     uint8(c.Patch.PadValue),
		Formats:      c.Patch.Formats,
	}.Normalized()
	return spec, spec.Validate()
}

// ReadGuard converts the read section into a retry guard.
func (c *Config) ReadGuard() (slide.ReadGuard, error) {
	delay, err := parseDuration(c.Read.RetryDelay, "read.retry_delay")
	if err != nil {
		return slide.ReadGuard{}, err
	}
	timeout, err := parseDuration(c.Read.Timeout, "read.timeout")
	if err != nil {
		return slide.ReadGuard{}, err
	}
	if c.Read.RetryAttempts < 0 {
		return slide.ReadGuard{}, fmt.Errorf("read.retry_attempts %d must not be negative", c.Read.RetryAttempts)
	}
	return slide.ReadGuard{
		Attempts: uint(c.Read.RetryAttempts),
		Delay:    delay,
		Timeout:  timeout,
	}, nil
}

func parseDuration(s, key string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: %s must not be negative", key, s)
	}
	return d, nil
}
