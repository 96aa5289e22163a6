// Copyright © 2024 Mutker Telag <witty.text5011@fastmail.com>
//
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/ipmictl/internal/config"
	"codeberg.org/mutker/ipmictl/internal/errors"
	"codeberg.org/mutker/ipmictl/internal/gpu"
	"codeberg.org/mutker/ipmictl/internal/ipmi"
	"codeberg.org/mutker/ipmictl/internal/logger"
	"codeberg.org/mutker/ipmictl/internal/output"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usage = `Usage: ipmictl [flags] <command> [args]

Commands:
  status         Show fan speeds
  temp           Show temperature sensors
  set <percent>  Set all fans to a fixed speed
  auto           Return fan control to the BMC
  test           Check that the server accepts Dell fan commands
  pid            Run closed-loop temperature control

Flags:
`

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	if cfg.Command == "" {
		fmt.Fprint(stderr, usage)
		fmt.Fprint(stderr, config.NewFlagSet().FlagUsages())
		return exitUsage
	}

	if err := logger.Init(cfg.LogLevel, logger.IsService()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	logger.Debug().Str("command", cfg.Command).Msg("Config loaded")

	format, err := output.ParseFormat(cfg.Output)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}
	out := output.New(stdout, format)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// registered before a.close so signals stay caught until cleanup is done
	stopSignals := handleSignals(cancel, logger.Get())
	defer stopSignals()

	t, err := openTransport(cfg, logger.Get())
	if err != nil {
		out.Error(err)
		return exitFailure
	}

	a := newApp(cfg, out, logger.Get(), t)
	defer a.close()

	if err := a.dispatch(ctx); err != nil {
		a.log.Debug().Err(err).Str("code", string(errors.CodeOf(err))).Msg("Command failed")
		out.Error(err)
		return exitFailure
	}

	return exitOK
}

// handleSignals cancels on the first termination signal. Later signals are
// logged and ignored so that a restore in progress is never cut short. The
// returned func stops signal delivery.
func handleSignals(cancel context.CancelFunc, log logger.Logger) func() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)

		received := false
		for {
			select {
			case sig := <-sigs:
				if received {
					log.Warn().Str("signal", sig.String()).Msg("Shutdown in progress, ignoring signal")
					continue
				}
				received = true
				log.Info().Str("signal", sig.String()).Msg("Received termination signal")
				cancel()
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
		<-finished
	}
}

// openTransport selects the BMC transport and, when enabled, merges GPU
// temperatures into its sensor reads. A missing GPU is not fatal.
func openTransport(cfg *config.Config, log logger.Logger) (ipmi.Transport, error) {
	t, err := ipmi.New(ipmi.Options{
		Transport: cfg.Transport,
		Host:      cfg.Host,
		Port:      cfg.Port,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Interface: cfg.Interface,
		Device:    cfg.Device,
	}, log)
	if err != nil {
		return nil, errors.New().Wrap(errors.ErrInitApp, err)
	}

	if !cfg.GPUSensors {
		return t, nil
	}

	src, err := gpu.Open(log)
	if err != nil {
		log.Warn().Err(err).Msg("GPU sensors unavailable, continuing with BMC sensors only")
		return t, nil
	}

	return ipmi.WithExtraSensors(t, log, src), nil
}
