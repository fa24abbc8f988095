package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/keydir/internal/flagx"
)

// ValueFlags lists every flag that takes a value, so the CLI can tell flag
// values apart from positional arguments.
var ValueFlags = []string{"-r", "-d", "-f", "-t", "-l", "-c", "-config"}

// parseFlags populates Config fields from command-line flags.
//
// Supported flags:
//
//	-r string   storage driver (memory, postgres, sqlite, bolt)
//	-d string   PostgreSQL DSN
//	-f string   database file for sqlite/bolt
//	-t int      open timeout, seconds
//	-l string   log level
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-r", "-d", "-f", "-t", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.Driver, "r", config.Driver, "storage driver")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.DataPath, "f", config.DataPath, "database file")
	openTimeout := fs.Int("t", int(config.OpenTimeout.Seconds()), "open timeout (in seconds)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	// -t only wins when given; JSON and env timeouts may be sub-second.
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "t" {
			config.OpenTimeout = time.Duration(*openTimeout) * time.Second
		}
	})
}
