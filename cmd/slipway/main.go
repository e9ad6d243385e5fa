package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/slipway-sh/slipway/internal/messaging"
	"github.com/slipway-sh/slipway/internal/vault"
)

func main() {
	cmd := &cli.Command{
		Name:  "slipway",
		Usage: "Operator utilities for the slipway deployment server.",
		Commands: []*cli.Command{
			{
				Name:  "keygen",
				Usage: "Generate a secret encryption key file",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Value: "slipway.key", Usage: "Key file path"},
				},
				Action: runKeygen,
			},
			{
				Name:  "trigger",
				Usage: "Publish a deployment trigger over NATS",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "nats-url", Value: "nats://127.0.0.1:4222", Usage: "NATS server URL", Sources: cli.EnvVars("SLIPWAY_NATS_URL")},
					&cli.StringFlag{Name: "owner", Required: true, Usage: "Deployment owner id"},
					&cli.StringFlag{Name: "name", Required: true, Usage: "Deployment name"},
					&cli.StringFlag{Name: "commit", Usage: "Commit to deploy (default branch head)"},
					&cli.StringFlag{Name: "actor", Value: "cli", Usage: "Actor recorded in the audit trail"},
				},
				Action: runTrigger,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runKeygen(ctx context.Context, cmd *cli.Command) error {
	out := cmd.String("out")
	if _, err := os.Stat(out); err == nil {
		return fmt.Errorf("refusing to overwrite existing key file %s", out)
	}

	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("could not generate key material: %w", err)
	}
	if err := os.WriteFile(out, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return fmt.Errorf("could not write key file: %w", err)
	}
	fmt.Printf("wrote %d-byte key to %s\n", vault.KeySize, out)
	return nil
}

func runTrigger(ctx context.Context, cmd *cli.Command) error {
	nc, err := messaging.Connect(cmd.String("nats-url"))
	if err != nil {
		return fmt.Errorf("could not connect to NATS: %w", err)
	}
	defer nc.Close()

	trigger := messaging.DeployTrigger{
		Owner:  cmd.String("owner"),
		Name:   cmd.String("name"),
		Commit: cmd.String("commit"),
		Actor:  cmd.String("actor"),
	}
	data, err := json.Marshal(trigger)
	if err != nil {
		return err
	}
	if err := nc.Publish(messaging.SubjectTriggerDeploy, data); err != nil {
		return fmt.Errorf("could not publish trigger: %w", err)
	}
	if err := nc.Flush(); err != nil {
		return err
	}
	fmt.Printf("triggered %s/%s\n", trigger.Owner, trigger.Name)
	return nil
}
