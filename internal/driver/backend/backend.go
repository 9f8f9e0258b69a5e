// Package backend opens the driver a config.Config names.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/kuitang/pagecheck/internal/config"
	"github.com/kuitang/pagecheck/internal/driver"
	"github.com/kuitang/pagecheck/internal/driver/pwdriver"
	"github.com/kuitang/pagecheck/internal/driver/roddriver"
	"github.com/kuitang/pagecheck/internal/driver/sim"
)

// ErrUnavailable reports that the selected browser cannot be started on
// this machine.
var ErrUnavailable = errors.New("browser backend unavailable")

// Open starts a driver for cfg.Backend. simOpts only apply to the
// simulated backend.
func Open(ctx context.Context, cfg config.Config, simOpts ...sim.Option) (driver.Driver, error) {
	switch cfg.Backend {
	case config.BackendRod:
		if !roddriver.Available() {
			return nil, fmt.Errorf("%w: no chromium binary found", ErrUnavailable)
		}
		d, err := roddriver.New(ctx, roddriver.WithHeadless(cfg.Headless))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return d, nil
	case config.BackendPlaywright:
		d, err := pwdriver.New(pwdriver.WithHeadless(cfg.Headless))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return d, nil
	case config.BackendSim, "":
		opts := append([]sim.Option{sim.WithNetworkIdle(cfg.NetworkIdle)}, simOpts...)
		return sim.New(opts...), nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}
