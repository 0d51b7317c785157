package commands

import (
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
)

const defaultVersion = "dev"

var (
	Version        = defaultVersion
	CommitHash     = ""
	BuildTimestamp = ""
)

func NewVersionCommand(log logr.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Prints version information",
		Long:  `Prints version information.`,
		RunE:  getVersion(log),
		Args:  cobra.NoArgs,
	}
}

func getVersion(log logr.Logger) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		log = log.WithName("version")

		versionStr, err := versionString()
		if err != nil {
			log.Error(err, "Could not serialize version information")
			return err
		}
		fmt.Println(string(versionStr))
		return nil
	}
}

func versionString() ([]byte, error) {
	return json.Marshal(struct {
		Version        string `json:"version"`
		CommitHash     string `json:"commitHash,omitempty"`
		BuildTimestamp string `json:"buildTimestamp,omitempty"`
	}{
		Version:        Version,
		CommitHash:     CommitHash,
		BuildTimestamp: BuildTimestamp,
	})
}
