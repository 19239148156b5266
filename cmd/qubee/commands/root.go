// Package commands implements the qubee CLI.
package commands

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/qubee/qubee-go/pkg/metrics"
)

var (
	home       string
	passphrase string
	logLevel   string

	log *metrics.Logger
)

func keystorePath() string {
	return filepath.Join(home, "keystore.json")
}

// Execute runs the root command.
func Execute() error {
	root := &cobra.Command{
		Use:   "qubee",
		Short: "Hybrid post-quantum encrypted messaging toolkit",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".qubee")
			}
			if err := os.MkdirAll(home, 0o700); err != nil {
				return err
			}

			log = metrics.NewLogger(
				metrics.WithName("qubee"),
				metrics.WithLevel(metrics.ParseLevel(logLevel)),
				metrics.WithOutput(os.Stderr),
			)
			return nil
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&home, "home", "", "config dir (default ~/.qubee)")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the keystore")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(demoCmd(), keysCmd(), versionCmd())
	return root.Execute()
}
