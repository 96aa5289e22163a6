package main

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/ipmi"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/state"
)

const restoreTimeout = 10 * time.Second

// cleanup runs registered steps once, in reverse order, no matter how many
// exit paths (normal return, signal, error) reach it.
type cleanup struct {
	once  sync.Once
	mu    sync.Mutex
	steps []func()
}

func (c *cleanup) add(step func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, step)
}

func (c *cleanup) run() {
	c.once.Do(func() {
		c.mu.Lock()
		steps := c.steps
		c.steps = nil
		c.mu.Unlock()

		for i := len(steps) - 1; i >= 0; i-- {
			steps[i]()
		}
	})
}

// restorer restores automatic fan control at most once per process
type restorer struct {
	once      sync.Once
	err       error
	transport ipmi.Transport
	journal   state.Journal
	log       logger.Logger
}

func (r *restorer) restore() error {
	r.once.Do(func() {
		r.err = restoreAutomatic(r.transport, r.journal, r.log)
	})
	return r.err
}

// restoreAutomatic hands fan control back to the BMC and journals the
// outcome. Failures are logged and returned, never retried.
func restoreAutomatic(t ipmi.Transport, journal state.Journal, log logger.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	mode := state.ModeAutomatic
	err := t.SetAutomaticMode(ctx)
	if err != nil {
		err = errors.New().Wrap(errors.ErrRestoreAutoFan, err)
		log.Error().Err(err).Msg("Failed to restore automatic fan control")
		mode = state.ModeUnknown
	} else {
		log.Info().Msg("Automatic fan control restored")
	}

	if jerr := journal.Save(ctx, state.Record{Mode: mode}); jerr != nil {
		log.Warn().Err(jerr).Msg("Failed to journal fan state")
	}

	return err
}
