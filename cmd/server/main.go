// wargame serves the real-time game hub.
//
// Usage:
//
//	wargame                     - Same as "wargame serve"
//	wargame serve               - Start the WebSocket hub
//	wargame token               - Mint an access token for local testing
//	wargame sweep <join_code>   - Delete every key a game left in Redis
//
// Settings come from WARGAME_* environment variables, optionally seeded
// from a .env file (see --env-file).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DoyleJ11/wargame-backend/internal/config"
)

var flagEnvFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "wargame",
	Short:         "Real-time session hub for the wargame",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "dotenv file to load before reading the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(sweepCmd)
}

func loadConfig() (config.Config, error) {
	return config.Load(flagEnvFile)
}
