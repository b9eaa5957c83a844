// ABOUTME: init command: writes a starter config with an optional generated JWT secret
// ABOUTME: Creates the config and data directories like the gateway bootstrap

package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/config"
)

var (
	initForce          bool
	initGenerateSecret bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInit(config.ResolvePath(configFlag))
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config file")
	initCmd.Flags().BoolVar(&initGenerateSecret, "generate-secret", false, "embed a random JWT secret instead of ${COVEN_JWT_SECRET}")
}

// renderExample returns the starter config, with a literal secret if given.
func renderExample(secret string) string {
	if secret == "" {
		return config.Example
	}
	return strings.Replace(config.Example, "${COVEN_JWT_SECRET}", secret, 1)
}

func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func runInit(configPath string) error {
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)

	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secret := ""
	if initGenerateSecret {
		var err error
		if secret, err = generateSecret(); err != nil {
			return err
		}
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(renderExample(secret)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	green.Printf("  ✓ Created config: %s\n", configPath)

	// Load expands ~ in database.path; create its directory up front.
	cfg, err := config.Load(configPath)
	if err == nil {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		green.Printf("  ✓ Data directory: %s\n", filepath.Dir(cfg.Database.Path))
	}

	fmt.Println()
	cyan.Println("  Next steps")
	if secret == "" {
		fmt.Println("    export COVEN_JWT_SECRET=...   (or leave unset to disable auth)")
	}
	fmt.Println("    coven-coord token create --subject you --agent main --save")
	fmt.Println("    coven-coord serve")
	return nil
}
