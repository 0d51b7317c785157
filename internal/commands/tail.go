package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"github.com/microsoft/vmlink/internal/inspect"
	"github.com/microsoft/vmlink/internal/vmconn"
	"github.com/microsoft/vmlink/pkg/logger"
)

var tailStreams []string

func NewTailCommand(log *logger.Logger) *cobra.Command {
	tailCmd := &cobra.Command{
		Use:   "tail",
		Short: "Connects to the service and prints stream events as they arrive",
		Args:  cobra.NoArgs,
		RunE:  runTail(log),
	}
	tailCmd.Flags().StringArrayVar(&tailStreams, "stream", []string{inspect.IsolateStreamID, "Debug", "Logging"}, "Stream to subscribe to. May be repeated.")
	return tailCmd
}

func runTail(log *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		config, err := managerConfig(log)
		if err != nil {
			return err
		}

		manager := vmconn.NewManager(config)
		registry := inspect.NewRegistry(manager, log.Logger.WithName("isolates"))

		runErrC := make(chan error, 1)
		go func() {
			runErrC <- manager.Run(ctx)
		}()
		go func() {
			_ = registry.Run(ctx)
		}()

		for _, stream := range tailStreams {
			go tailStream(ctx, manager, stream, log.Logger)
		}

		runErr := <-runErrC
		if runErr != nil && ctx.Err() == nil {
			return runErr
		}
		return nil
	}
}

// tailStream prints every event on one stream, re-subscribing after each
// reconnect (subscriptions are not durable across transport drops). The
// registry listens on the Isolate stream too, so its streamListen may be
// rejected as already subscribed; that counts as enabled.
func tailStream(ctx context.Context, manager *vmconn.Manager, stream string, log logr.Logger) {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(250*time.Millisecond),
		backoff.WithMaxInterval(5*time.Second),
		backoff.WithMaxElapsedTime(0),
	)

	for {
		if !waitConnected(ctx, manager) {
			return
		}

		sub := manager.Subscribe(stream)
		_, err := manager.Call(ctx, "streamListen", map[string]string{"streamId": stream}, requestTimeout)
		if err != nil && !inspect.StreamAlreadySubscribed(err) {
			sub.Cancel()
			if ctx.Err() != nil || errors.Is(err, vmconn.ErrSessionClosed) || errors.Is(err, vmconn.ErrDisconnected) {
				return
			}
			// The service rejected the request on a live connection; pace the
			// retry so a persistent rejection cannot flood the send path.
			log.V(1).Info("Failed to enable stream, will retry", "stream", stream, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
			}
			continue
		}
		bo.Reset()

		for ev := range sub.Events() {
			fmt.Printf("[%s] %s\n", ev.Stream, string(ev.Event))
		}
		if err := sub.Err(); errors.Is(err, vmconn.ErrSessionClosed) || errors.Is(err, vmconn.ErrDisconnected) {
			return
		}
	}
}

// waitConnected blocks until the manager reports Connected. Returns false on
// context cancellation or manager shutdown.
func waitConnected(ctx context.Context, manager *vmconn.Manager) bool {
	states := make(chan vmconn.State, 8)
	stateSub := manager.SubscribeState(states)
	defer stateSub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return false
		case s, open := <-states:
			if !open {
				return false
			}
			if s.Phase == vmconn.PhaseConnected {
				return true
			}
		}
	}
}
