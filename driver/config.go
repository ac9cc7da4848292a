package driver

import (
	"github.com/pkg/errors"
)

// Config of a propagation run. It is fixed for the duration of one Run.
type Config struct {
	// IsSigned selects signed storage for inferred parameters.
	IsSigned bool `yaml:"is_signed"`

	// BitWidth of inferred parameters for activations and weights.
	BitWidth int `yaml:"bit_width"`

	// DisablePerChannel forces weights to use per-tensor parameters, even if their consumer supports per-channel.
	DisablePerChannel bool `yaml:"disable_per_channel"`

	// InferTensorRange enables deriving parameters from constant contents, observed value ranges and fixed
	// output ranges, instead of only from explicit markers.
	InferTensorRange bool `yaml:"infer_tensor_range"`

	// LegacyFloatScale computes scales in float32, for bit-exact parity with reference quantizers.
	LegacyFloatScale bool `yaml:"legacy_float_scale"`

	// IsQDQConversion operates on a graph already annotated with quantize/dequantize markers: no new
	// conversions are inferred for mutable values, and redundant marker pairs are folded.
	IsQDQConversion bool `yaml:"is_qdq_conversion"`

	// BiasBitWidth is the storage width of biases, used by the bias overflow check.
	BiasBitWidth int `yaml:"bias_bit_width"`

	// MaxIterations is a safety bound on the number of operations processed by the propagation.
	// If 0, a bound is derived from the size of the graph.
	MaxIterations int `yaml:"max_iterations"`
}

// DefaultConfig returns a configuration for signed 8-bit quantization with 32-bit biases.
func DefaultConfig() Config {
	return Config{
		IsSigned:     true,
		BitWidth:     8,
		BiasBitWidth: 32,
	}
}

// Validate returns an error if the configuration is not usable.
func (c Config) Validate() error {
	if c.BitWidth < 2 || c.BitWidth > 32 {
		return errors.Errorf("invalid bit width %d, it must be between 2 and 32", c.BitWidth)
	}
	if c.BiasBitWidth < 2 || c.BiasBitWidth > 32 {
		return errors.Errorf("invalid bias bit width %d, it must be between 2 and 32", c.BiasBitWidth)
	}
	if c.MaxIterations < 0 {
		return errors.Errorf("invalid max iterations %d", c.MaxIterations)
	}
	return nil
}
