package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cgpu-dev/cgpu/internal/config"
	"github.com/cgpu-dev/cgpu/internal/tier"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a config file interactively",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolveConfigPath(cmd)

	if _, err := os.Stat(path); err == nil {
		p := stdinPrompter()
		if !p.confirm(fmt.Sprintf("Config %s exists, overwrite?", path), false) {
			fmt.Fprintln(os.Stdout, "Aborted")
			return nil
		}
	}

	p := stdinPrompter()
	cfg := config.Config{}
	cfg.API.BaseURL = p.ask("Service base URL", "https://compute.example.com")
	cfg.API.Token = p.askSecret("Account token")
	cfg.Runtime.Tier = p.choose("Subscription tier", []string{tier.Free, tier.Pro}, 0)

	if cfg.API.Token == "" {
		return fmt.Errorf("an account token is required")
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Fprintf(os.Stdout, "Wrote %s\n", path)
	return nil
}
