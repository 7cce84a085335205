package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Server is the part of *http.Server the coordinator needs.
type Server interface {
	Shutdown(ctx context.Context) error
}

type step struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

// Coordinator runs the process shutdown sequence: stop accepting requests,
// then each registered drain step in order, each under its own ceiling.
// A failing step is logged and the sequence continues.
type Coordinator struct {
	server        Server
	serverTimeout time.Duration
	steps         []step
}

func New(server Server, serverTimeout time.Duration) *Coordinator {
	return &Coordinator{server: server, serverTimeout: serverTimeout}
}

// Drain registers a step bounded by timeout. A zero timeout leaves the step
// bounded only by the parent context.
func (c *Coordinator) Drain(name string, timeout time.Duration, fn func(ctx context.Context) error) *Coordinator {
	c.steps = append(c.steps, step{name: name, timeout: timeout, run: fn})
	return c
}

// OnClose registers a step that cannot fail or block.
func (c *Coordinator) OnClose(name string, fn func()) *Coordinator {
	return c.Drain(name, 0, func(context.Context) error {
		fn()
		return nil
	})
}

// Shutdown runs the sequence and returns every step failure joined.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	start := time.Now()
	var errs []error

	if c.server != nil {
		if err := c.runStep(ctx, step{name: "http", timeout: c.serverTimeout, run: c.server.Shutdown}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, s := range c.steps {
		if err := c.runStep(ctx, s); err != nil {
			errs = append(errs, err)
		}
	}

	log.Info().Dur("elapsed", time.Since(start)).Int("failures", len(errs)).Msg("Shutdown complete")
	return errors.Join(errs...)
}

func (c *Coordinator) runStep(parent context.Context, s step) error {
	ctx := parent
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, s.timeout)
		defer cancel()
	}

	started := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("step", s.name).Msg("Shutdown step panicked")
				done <- fmt.Errorf("panic: %v", rec)
			}
		}()
		done <- s.run(ctx)
	}()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		log.Error().Err(err).Str("step", s.name).Dur("elapsed", time.Since(started)).Msg("Shutdown step failed")
		return fmt.Errorf("%s: %w", s.name, err)
	}
	log.Debug().Str("step", s.name).Dur("elapsed", time.Since(started)).Msg("Shutdown step finished")
	return nil
}

// WaitForSignal blocks until SIGINT or SIGTERM arrives or ctx ends.
func WaitForSignal(ctx context.Context) os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		return sig
	case <-ctx.Done():
		return nil
	}
}
