package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qubee/qubee-go/pkg/crypto"
	"github.com/qubee/qubee-go/pkg/messenger"
	"github.com/qubee/qubee-go/pkg/metrics"
)

func demoCmd() *cobra.Command {
	var (
		messageCount int
		coverFor     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run an in-process two-party conversation",
		Long: `Runs a complete hybrid ratchet exchange between two in-process
parties, alternating directions so both the hash chain and the DH
ratchet are exercised, then prints the security counters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), messageCount, coverFor)
		},
	}
	cmd.Flags().IntVar(&messageCount, "messages", 8, "messages to exchange")
	cmd.Flags().DurationVar(&coverFor, "cover", 0, "also run cover traffic for this long")
	return cmd
}

func runDemo(ctx context.Context, messageCount int, coverFor time.Duration) error {
	sharedSecret, err := crypto.SecureRandomBytes(32)
	if err != nil {
		return err
	}
	defer crypto.Zeroize(sharedSecret)

	dhKP, err := crypto.GenerateX25519KeyPair()
	if err != nil {
		return err
	}
	pqKP, err := crypto.GenerateMLKEMKeyPair()
	if err != nil {
		return err
	}

	cfg := messenger.DefaultConfig()
	cfg.DummyInterval = 200 * time.Millisecond

	alice, err := messenger.NewRegistry(cfg, messenger.WithLogger(log.Named("alice")))
	if err != nil {
		return err
	}
	bob, err := messenger.NewRegistry(cfg, messenger.WithLogger(log.Named("bob")))
	if err != nil {
		return err
	}

	aliceConv, err := alice.StartInitiator("bob", sharedSecret, dhKP.PublicKey, pqKP.EncapsulationKey)
	if err != nil {
		return err
	}
	bobConv, err := bob.StartResponder("alice", sharedSecret, dhKP, pqKP)
	if err != nil {
		return err
	}

	for i := 0; i < messageCount; i++ {
		msg := []byte(fmt.Sprintf("message %d", i))

		from, to := aliceConv, bobConv
		sender := "alice"
		if i%2 == 1 {
			from, to = bobConv, aliceConv
			sender = "bob"
		}

		wire, err := from.Send(ctx, msg)
		if err != nil {
			return fmt.Errorf("send %d: %w", i, err)
		}
		got, err := to.Receive(ctx, wire)
		if err != nil {
			return fmt.Errorf("receive %d: %w", i, err)
		}
		fmt.Printf("%-5s -> %q  (%d wire bytes)\n", sender, got, len(wire))
	}

	if coverFor > 0 {
		fmt.Printf("\nrunning cover traffic for %s...\n", coverFor)
		aliceConv.StartCoverTraffic(ctx, func(wire []byte) error {
			payload, err := bobConv.Receive(ctx, wire)
			if err != nil {
				return err
			}
			if payload != nil {
				return fmt.Errorf("dummy decrypted to a real payload")
			}
			return nil
		})
		time.Sleep(coverFor)
		aliceConv.StopCoverTraffic()
	}

	fmt.Println("\nalice counters:")
	printSnapshot(alice.Metrics().Snapshot())
	fmt.Println("\nbob counters:")
	printSnapshot(bob.Metrics().Snapshot())
	return nil
}

func printSnapshot(snap metrics.Snapshot) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(snap) //nolint:errcheck
}
