// Package app wires configuration, logging and the directory together and
// runs one admin command against them.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/directory"
	"github.com/dmitrijs2005/keydir/internal/logging"
)

// ErrorUsage reports a malformed command line.
var ErrorUsage = errors.New("usage error")

type App struct {
	config *config.Config
	logger logging.Logger
	dir    *directory.Directory
	stdin  io.Reader
	stdout io.Writer
}

// NewApp builds an App. Logs go to stderr as JSON so stdout carries only
// command results.
func NewApp(c *config.Config, stdin io.Reader, stdout, stderr io.Writer, opts ...directory.Option) *App {
	logger := logging.NewJSON(stderr, c.LogLevel)
	opts = append([]directory.Option{directory.WithLogger(logger)}, opts...)

	return &App{
		config: c,
		logger: logger,
		dir:    directory.New(opts...),
		stdin:  stdin,
		stdout: stdout,
	}
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// Run opens the directory, executes the command named by args[0] and prints
// its result as JSON.
func (app *App) Run(ctx context.Context, args []string) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()
	app.initSignalHandler(ctx, cancelFunc)

	if len(args) == 0 {
		return fmt.Errorf("%w: no command given\n%s", ErrorUsage, Usage())
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q\n%s", ErrorUsage, args[0], Usage())
	}
	params := args[1:]
	if len(params) < cmd.args || len(params) > cmd.args+cmd.optional {
		return fmt.Errorf("%w: keydir %s %s", ErrorUsage, args[0], cmd.usage)
	}

	if err := app.dir.Open(ctx, app.config); err != nil {
		return err
	}
	defer func() {
		if err := app.dir.Close(); err != nil {
			app.logger.Error(ctx, "close failed", "error", err)
		}
	}()

	result, err := cmd.run(ctx, app, params)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(app.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ExitCode maps an error from Run to a process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrorUsage):
		return 2
	case errors.Is(err, common.ErrorNotFound):
		return 3
	case errors.Is(err, common.ErrorPrecondition), errors.Is(err, common.ErrorValidation):
		return 4
	case errors.Is(err, common.ErrorBackendUnavailable):
		return 5
	default:
		return 1
	}
}

// Usage lists every command.
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: keydir [flags] <command> [args...]\n\ncommands:\n")
	for _, name := range commandNames() {
		fmt.Fprintf(&b, "  %-13s %s\n", name, commands[name].usage)
	}
	return b.String()
}
