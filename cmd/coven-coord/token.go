// ABOUTME: token command: mints API bearer tokens signed with the configured secret
// ABOUTME: Optionally saves the token where client commands look for it

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-coordinator/internal/auth"
	"github.com/2389/coven-coordinator/internal/config"
)

var (
	tokenSubject string
	tokenAgent   string
	tokenTTL     time.Duration
	tokenSave    bool
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage API tokens",
}

var tokenCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a signed bearer token",
	Args:  cobra.NoArgs,
	RunE:  runTokenCreate,
}

func init() {
	tokenCreateCmd.Flags().StringVar(&tokenSubject, "subject", "", "token subject (recorded as writer of shared context)")
	tokenCreateCmd.Flags().StringVar(&tokenAgent, "agent", "", "agent ID the bearer acts as when fanning out")
	tokenCreateCmd.Flags().DurationVar(&tokenTTL, "ttl", 30*24*time.Hour, "token lifetime; 0 for no expiry")
	tokenCreateCmd.Flags().BoolVar(&tokenSave, "save", false, "write the token next to the config for client commands")
	_ = tokenCreateCmd.MarkFlagRequired("subject")

	tokenCmd.AddCommand(tokenCreateCmd)
}

func runTokenCreate(cmd *cobra.Command, args []string) error {
	configPath := config.ResolvePath(configFlag)
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not set; the server accepts unauthenticated requests")
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(tokenSubject, tokenAgent, tokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	if !tokenSave {
		fmt.Println(token)
		return nil
	}

	path := tokenPath(configPath)
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	color.Green("  ✓ Saved token: %s", path)
	if tokenTTL > 0 {
		fmt.Printf("    expires %s\n", time.Now().Add(tokenTTL).Local().Format(time.DateTime))
	}
	return nil
}
