package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile   string
	stateFile string
	apiURL    string
)

var rootCmd = &cobra.Command{
	Use:   "whisper",
	Short: "Trending intelligence gists",
	Long: `whisper serves a ranked feed of short intelligence gists and is also a
command line client for a running whisper server.

Running whisper without a command starts the server.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "server config file (default: ./whisper.yaml)")
	rootCmd.PersistentFlags().StringVar(&stateFile, "state", "", "client state file (default: ~/.whisper/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "url", "", "whisper server URL (default: saved URL or "+defaultBaseURL+")")

	rootCmd.AddCommand(
		serveCmd,
		signupCmd,
		loginCmd,
		logoutCmd,
		whoamiCmd,
		postCmd,
		voteCmd,
		commentCmd,
		readCmd,
		statsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
