package main

import (
	"fmt"
	"os"

	"github.com/edgecoder/edgecoder/pkg/config"
	"github.com/edgecoder/edgecoder/pkg/identity"
	"github.com/spf13/cobra"
)

func newKeygenCommand() *cobra.Command {
	var out string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create the agent's Ed25519 identity file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			env, err := config.LoadAgentEnv()
			if err != nil {
				return exitWith(exitConfig, err)
			}
			path := out
			if path == "" {
				path = env.KeyFile
			}
			if _, err := os.Stat(path); err == nil {
				return exitWith(exitConfig, fmt.Errorf("key file already exists: %s", path))
			}

			key, err := identity.LoadOrGenerate(path, identity.PurposeAgent)
			if err != nil {
				return exitWith(exitConfig, fmt.Errorf("generating key: %w", err))
			}
			fmt.Printf("wrote %s\n", path)
			fmt.Printf("public key:  %s\n", key.PublicKey())
			fmt.Printf("fingerprint: %s\n", key.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "",
		"Key file path (default $EDGECODER_KEY_FILE, else <data-dir>/agent.key)")
	return cmd
}
