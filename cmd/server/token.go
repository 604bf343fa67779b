package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/wargame-backend/internal/auth"
)

var (
	flagUserID   int64
	flagUsername string
	flagTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for local testing",
	Long: `Print an HS256 access token signed with WARGAME_JWT_SECRET.

Examples:
  wargame token --user-id 1 --username alice
  wargame token --user-id 2 --username bob --ttl 24h`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Int64Var(&flagUserID, "user-id", 0, "User id claim")
	tokenCmd.Flags().StringVar(&flagUsername, "username", "", "Username claim")
	tokenCmd.Flags().DurationVar(&flagTTL, "ttl", time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, _ []string) error {
	if flagUserID == 0 || flagUsername == "" {
		return errors.New("--user-id and --username are required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	token, err := auth.Issue(cfg.JWTSecret, auth.User{ID: flagUserID, Username: flagUsername}, flagTTL)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}
