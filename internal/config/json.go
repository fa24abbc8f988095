package config

import (
	"encoding/json"
	"os"

	"github.com/dmitrijs2005/keydir/internal/flagx"
	"github.com/dmitrijs2005/keydir/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. OpenTimeout accepts
// "10s" style strings or integer nanoseconds.
type JsonConfig struct {
	Driver      string         `json:"driver"`
	DatabaseDSN string         `json:"database_dsn"`
	DataPath    string         `json:"data_path"`
	OpenTimeout timex.Duration `json:"open_timeout"`
	LogLevel    string         `json:"log_level"`
}

// parseJson overlays values from the file named by -c/-config. Only fields
// present (non-zero) in the file are applied. A missing file or invalid JSON
// panics: the process cannot start with a config it was told to use.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.Driver != "" {
		config.Driver = c.Driver
	}
	if c.DatabaseDSN != "" {
		config.DatabaseDSN = c.DatabaseDSN
	}
	if c.DataPath != "" {
		config.DataPath = c.DataPath
	}
	if c.OpenTimeout.Duration != 0 {
		config.OpenTimeout = c.OpenTimeout.Duration
	}
	if c.LogLevel != "" {
		config.LogLevel = c.LogLevel
	}
}
