// Package directory is the account and credential directory: it owns one
// storage driver for its whole lifetime, gates every operation on the driver
// having opened, and implements staging, verification and key sync on top of
// the driver's primitives.
//
// A Directory is single use. Operations issued before Open wait for it to
// finish; operations after Close fail with common.ErrorClosed; if Open fails
// every operation fails with common.ErrorBackendUnavailable.
package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/keydir/internal/backend"
	"github.com/dmitrijs2005/keydir/internal/backend/drivers"
	"github.com/dmitrijs2005/keydir/internal/common"
	"github.com/dmitrijs2005/keydir/internal/config"
	"github.com/dmitrijs2005/keydir/internal/logging"
	"github.com/dmitrijs2005/keydir/internal/readiness"
	"github.com/dmitrijs2005/keydir/internal/secrets"
)

type state int

const (
	stateNew state = iota
	stateOpening
	stateOpen
	stateFailed
	stateClosed
)

// Directory serves directory operations against one driver.
type Directory struct {
	log      logging.Logger
	gen      secrets.Generator
	registry drivers.Registry
	ready    *readiness.Barrier

	mu      sync.RWMutex
	state   state
	driver  backend.Driver
	openErr error
}

// Option configures a Directory.
type Option func(*Directory)

// WithGenerator replaces the secret generator.
func WithGenerator(g secrets.Generator) Option {
	return func(d *Directory) { d.gen = g }
}

// WithDrivers replaces the driver table consulted by Open.
func WithDrivers(r drivers.Registry) Option {
	return func(d *Directory) { d.registry = r }
}

// WithLogger replaces the default no-op logger.
func WithLogger(l logging.Logger) Option {
	return func(d *Directory) { d.log = l }
}

// New returns an unopened directory.
func New(opts ...Option) *Directory {
	d := &Directory{
		log:      logging.NewNop(),
		gen:      secrets.NewRandom(),
		registry: drivers.Default(),
		ready:    readiness.New(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Open constructs the driver named by cfg.Driver and opens it, bounded by
// cfg.OpenTimeout. The outcome is delivered to every OnReady callback. A
// failure is returned wrapped in common.ErrorBackendUnavailable.
func (d *Directory) Open(ctx context.Context, cfg *config.Config) error {
	d.mu.Lock()
	switch d.state {
	case stateNew:
		d.state = stateOpening
	case stateClosed:
		d.mu.Unlock()
		return common.ErrorClosed
	default:
		d.mu.Unlock()
		return common.ErrorAlreadyOpen
	}
	d.mu.Unlock()

	log := d.log.With("driver", cfg.Driver)

	drv, err := d.openDriver(ctx, cfg)

	d.mu.Lock()
	if d.state == stateClosed {
		d.mu.Unlock()
		if drv != nil {
			_ = drv.Close()
		}
		log.Warn(ctx, "directory closed while opening")
		return common.ErrorClosed
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", common.ErrorBackendUnavailable, err)
		d.state = stateFailed
		d.openErr = err
	} else {
		d.state = stateOpen
		d.driver = drv
	}
	d.mu.Unlock()

	if err != nil {
		log.Error(ctx, "directory open failed", "error", err)
	} else {
		log.Info(ctx, "directory ready")
	}
	d.ready.MarkReady(err)
	return err
}

func (d *Directory) openDriver(ctx context.Context, cfg *config.Config) (backend.Driver, error) {
	ctor, err := d.registry.Lookup(cfg.Driver)
	if err != nil {
		return nil, err
	}

	if cfg.OpenTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.OpenTimeout)
		defer cancel()
	}

	drv := ctor()
	if err := drv.Open(ctx, cfg); err != nil {
		_ = drv.Close()
		return nil, err
	}
	return drv, nil
}

// OnReady registers cb to learn the outcome of Open. It runs immediately when
// Open has already finished; otherwise callbacks run in registration order.
// Close before a successful Open reports common.ErrorClosed.
func (d *Directory) OnReady(cb func(error)) {
	d.ready.OnReady(cb)
}

// Ready reports whether Open has finished and, if so, its outcome. A Close
// before Open completes reports common.ErrorClosed.
func (d *Directory) Ready() (bool, error) {
	return d.ready.Ready(), d.ready.Err()
}

// Close releases the driver. Closing an unopened, failed or already closed
// directory is not an error.
func (d *Directory) Close() error {
	d.mu.Lock()
	prev := d.state
	drv := d.driver
	d.state = stateClosed
	d.driver = nil
	d.mu.Unlock()

	if prev == stateClosed {
		return nil
	}
	d.ready.MarkReady(common.ErrorClosed)
	d.log.Info(context.Background(), "directory closed")

	if drv == nil {
		return nil
	}
	return drv.Close()
}

// acquire waits for Open and returns the driver to run one operation on.
func (d *Directory) acquire(ctx context.Context) (backend.Driver, error) {
	if err := d.ready.Wait(ctx); err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	switch d.state {
	case stateOpen:
		return d.driver, nil
	case stateFailed:
		return nil, d.openErr
	default:
		return nil, common.ErrorClosed
	}
}

// observe logs the outcome of op. Secrets and password hashes are never
// passed in args.
func (d *Directory) observe(ctx context.Context, op string, err error, args ...any) error {
	if err == nil {
		return nil
	}
	args = append(args, "op", op, "error", err)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		d.log.Debug(ctx, "not found", args...)
	case errors.Is(err, common.ErrorPrecondition), errors.Is(err, common.ErrorValidation):
		d.log.Warn(ctx, "operation rejected", args...)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.log.Debug(ctx, "operation abandoned", args...)
	default:
		d.log.Error(ctx, "operation failed", args...)
	}
	return err
}
