// Package config loads evmcomp's tunables from flags, environment
// variables and an optional config file, in that precedence order, using
// Viper the way the rest of the ecosystem layers configuration over a
// cobra command.
package config

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/clifford-evm/embedvm/pkg/layout"
)

// Config holds every knob the compiler driver reads at startup.
type Config struct {
	// EntrySymbol is the configured entry symbol. evmrun does not read
	// it; its --entry flag has its own default, "main".
	EntrySymbol string
	// MaxIterations caps the layout fixed point.
	MaxIterations int
	// HexBytesPerLine is the configured Intel HEX record payload size.
	// The Intel HEX writer does not read it and always emits records of
	// up to 32 data bytes.
	HexBytesPerLine int
	// OutDir is where compiler artifacts are written; empty means
	// alongside the input file.
	OutDir string
}

const envPrefix = "EVMCOMP"

// Load builds a Config by layering, from lowest to highest priority:
// built-in defaults, an optional .evmcomp.yaml in the current directory,
// EVMCOMP_-prefixed environment variables, and finally any bound flags.
// flags may be nil, in which case only env/file/defaults apply.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("entry", "main")
	v.SetDefault("max-iterations", layout.MaxIterations)
	v.SetDefault("hex-bytes-per-line", 32)
	v.SetDefault("out-dir", "")

	v.SetConfigName(".evmcomp")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, err
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, err
		}
	}

	return Config{
		EntrySymbol:     v.GetString("entry"),
		MaxIterations:   v.GetInt("max-iterations"),
		HexBytesPerLine: v.GetInt("hex-bytes-per-line"),
		OutDir:          v.GetString("out-dir"),
	}, nil
}
