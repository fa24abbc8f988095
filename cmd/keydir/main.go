// Command keydir runs one administrative command against the account
// directory and prints the result as JSON.
//
//	keydir [-r driver] [-d dsn] [-f file] [-t seconds] [-l level] [-c config.json] <command> [args...]
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dmitrijs2005/keydir/internal/app"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/flagx"
)

func main() {
	cfg := config.LoadConfig()
	args := flagx.Positional(os.Args[1:], config.ValueFlags)

	a := app.NewApp(cfg, os.Stdin, os.Stdout, os.Stderr)
	if err := a.Run(context.Background(), args); err != nil {
		fmt.Fprintf(os.Stderr, "keydir: %v\n", err)
		os.Exit(app.ExitCode(err))
	}
}
