package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/microsoft/vmlink/internal/vmconn"
	"github.com/microsoft/vmlink/pkg/logger"
)

var (
	endpoint             string
	maxReconnectAttempts int
	backoffBase          time.Duration
	backoffCap           time.Duration
	requestTimeout       time.Duration
)

func NewRootCmd(log *logger.Logger) (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "vmlink",
		Short:         "Connects to a VM inspection service over JSON-RPC",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&endpoint, "endpoint", "e", "", "Websocket URI of the VM service (e.g. ws://127.0.0.1:8181/ws).")
	pf.IntVar(&maxReconnectAttempts, "max-reconnect-attempts", vmconn.DefaultMaxReconnectAttempts, "Number of reconnection attempts before giving up. Negative disables reconnection.")
	pf.DurationVar(&backoffBase, "backoff-base", vmconn.DefaultBackoffBase, "Initial delay between reconnection attempts.")
	pf.DurationVar(&backoffCap, "backoff-cap", vmconn.DefaultBackoffCap, "Maximum delay between reconnection attempts.")
	pf.DurationVar(&requestTimeout, "request-timeout", vmconn.DefaultRequestTimeout, "Default timeout for individual requests.")
	log.AddLevelFlag(pf)

	rootCmd.AddCommand(
		NewTailCommand(log),
		NewCallCommand(log),
		NewVersionCommand(log.Logger),
	)

	return rootCmd, nil
}

// managerConfig builds the connection configuration from the root flags.
func managerConfig(log *logger.Logger) (vmconn.Config, error) {
	if endpoint == "" {
		return vmconn.Config{}, fmt.Errorf("the --endpoint flag is required")
	}

	return vmconn.Config{
		Endpoint:             endpoint,
		MaxReconnectAttempts: maxReconnectAttempts,
		BackoffBase:          backoffBase,
		BackoffCap:           backoffCap,
		Logger:               log.Logger,
	}, nil
}
