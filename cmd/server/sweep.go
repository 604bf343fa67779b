package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/wargame-backend/internal/groups"
	"github.com/DoyleJ11/wargame-backend/internal/store"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep <join_code>",
	Short: "Delete every key a game left in Redis",
	Long: `Remove the roster, timer and any other game_{join_code}_* key.

Run this when a game instance is deleted.`,
	Args: cobra.ExactArgs(1),
	RunE: runSweep,
}

func runSweep(cmd *cobra.Command, args []string) error {
	code := args[0]
	if !groups.ValidJoinCode(code) {
		return fmt.Errorf("invalid join code %q", code)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rdb, err := store.Dial(cmd.Context(), cfg.RedisURL)
	if err != nil {
		return err
	}
	defer func() { _ = rdb.Close() }()

	n, err := store.NewRedisStore(rdb).DeletePrefix(cmd.Context(), store.GamePrefix(code))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %d keys for game %s\n", n, code)
	return nil
}
