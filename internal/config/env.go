package config

import "github.com/caarlos0/env/v11"

// parseEnv overlays KEYDIR_* environment variables. Unset variables leave the
// current value alone.
func parseEnv(config *Config) {
	if err := env.Parse(config); err != nil {
		panic(err)
	}
}
