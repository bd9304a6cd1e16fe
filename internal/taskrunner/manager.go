// Package taskrunner runs a fixed set of named, long-lived background
// tasks and stops them together on shutdown. Adapted from
// 0xRichardL-vibe-copy-trading/libs/go/routine.Manager: kept the named-task
// shape with start/stop logging, dropped the lifecycle hooks and the dynamic
// add/remove API since this service only ever runs its three fixed tasks (refresh loop,
// heartbeat, broadcast subscriber) started together at boot (§5.1).
package taskrunner

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Task is one long-lived function that blocks until ctx is cancelled or it
// fails.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunAll starts every task concurrently and blocks until ctx is cancelled or
// any task returns a non-context-cancellation error, at which point the
// remaining tasks are cancelled too (§5 "independent asynchronous tasks").
func RunAll(ctx context.Context, log zerolog.Logger, tasks ...Task) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			log.Info().Str("task", t.Name).Msg("task starting")
			err := t.Run(gctx)
			if err != nil && gctx.Err() == nil {
				log.Error().Str("task", t.Name).Err(err).Msg("task failed")
			} else {
				log.Info().Str("task", t.Name).Msg("task stopped")
			}
			return err
		})
	}
	return g.Wait()
}
