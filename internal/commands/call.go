package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/microsoft/vmlink/internal/vmconn"
	"github.com/microsoft/vmlink/pkg/logger"
)

func NewCallCommand(log *logger.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "call <method> [json-params]",
		Short: "Issues a single request against the service and prints the result",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall(log),
	}
}

func runCall(log *logger.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		method := args[0]

		var params map[string]any
		if len(args) == 2 {
			if err := json.Unmarshal([]byte(args[1]), &params); err != nil {
				return fmt.Errorf("params must be a JSON object: %w", err)
			}
		}

		config, err := managerConfig(log)
		if err != nil {
			return err
		}
		// A one-shot request has nothing to gain from reconnecting.
		config.MaxReconnectAttempts = -1

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		manager := vmconn.NewManager(config)
		runErrC := make(chan error, 1)
		go func() {
			runErrC <- manager.Run(ctx)
		}()

		if !waitConnected(ctx, manager) {
			cancel()
			if runErr := <-runErrC; runErr != nil {
				return runErr
			}
			return fmt.Errorf("could not connect to '%s'", endpoint)
		}

		result, callErr := manager.Call(ctx, method, params, requestTimeout)
		cancel()
		<-manager.Done()

		if callErr != nil {
			return callErr
		}
		fmt.Println(string(result))
		return nil
	}
}
