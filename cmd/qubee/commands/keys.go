package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qubee/qubee-go/pkg/keystore"
	"github.com/qubee/qubee-go/pkg/metrics"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the encrypted keystore",
	}
	cmd.AddCommand(keysInitCmd(), keysListCmd(), keysSweepCmd(), keysRotateCmd())
	return cmd
}

func openStore() (*keystore.Store, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("a passphrase is required, pass --passphrase")
	}
	return keystore.LoadWithPassphrase(keystorePath(), []byte(passphrase))
}

func keysInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new encrypted keystore",
		RunE: func(cmd *cobra.Command, args []string) error {
			if passphrase == "" {
				return fmt.Errorf("a passphrase is required, pass --passphrase")
			}
			if _, err := os.Stat(keystorePath()); err == nil {
				return fmt.Errorf("keystore already exists at %s", keystorePath())
			}

			store, err := keystore.NewWithPassphrase([]byte(passphrase))
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Save(keystorePath()); err != nil {
				return err
			}
			log.Info("keystore created", metrics.Fields{"path": keystorePath()})
			return nil
		},
	}
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List keystore entry IDs",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			ids, err := store.ListIDs()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("keystore is empty")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func keysSweepCmd() *cobra.Command {
	var maxAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete entries not accessed within --max-age",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			removed, err := store.SweepExpired(maxAge)
			if err != nil {
				return err
			}
			if err := store.Save(keystorePath()); err != nil {
				return err
			}
			log.Info("sweep complete", metrics.Fields{"removed": removed})
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 30*24*time.Hour, "retention window")
	return cmd
}

func keysRotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Re-encrypt every entry under a fresh master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.RotateWithPassphrase([]byte(passphrase)); err != nil {
				return err
			}
			if err := store.Save(keystorePath()); err != nil {
				return err
			}
			log.Info("master key rotated")
			return nil
		},
	}
}
