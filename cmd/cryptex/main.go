package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "cryptex",
	Short: "Cryptex - encrypted, self-destructing text and file sharing.",
	Long: `Cryptex stores password-protected text and files encrypted at rest and
destroys them when they expire or after their first open.

Run 'cryptex serve' to start the API server.`,
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
