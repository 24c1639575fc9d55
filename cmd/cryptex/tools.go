package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"cryptex/cfg"
	"cryptex/pkg/kms"
	"cryptex/svc/auth"
	"cryptex/svc/util"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var healthURL string

// healthCmd is meant for container health checks.
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Probe a running server's /health endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(healthURL, "/")+"/health", nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "health probe failed")
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return errors.Errorf("health probe returned %d", resp.StatusCode)
		}
		return nil
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print an ADMIN_PASSWORD_HASH for the given password",
	Long: `Hashes the admin password with the configured pepper and Argon2id
parameters. The password is read from stdin when not given as an argument.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := cfg.Load()
		if err != nil {
			return err
		}
		defer c.Wipe()
		password, err := readPassword(cmd.InOrStdin(), args)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		var pepper []byte
		if c.PepperFromKMS {
			a, err := kms.NewAdapter(ctx, c.KMS)
			if err != nil {
				return err
			}
			pepper, err = loadSecret(ctx, a, "PEPPER", true, c.Pepper)
			if err != nil {
				return err
			}
		} else {
			pepper = []byte(c.Pepper.Value())
		}
		defer util.Wipe(pepper)

		h, err := auth.NewHasher(c.KDF.Time, c.KDF.Memory, c.KDF.Parallelism, pepper)
		if err != nil {
			return err
		}
		if err := h.Start(1); err != nil {
			return err
		}
		defer h.Stop()
		encoded, err := h.Hash(ctx, password)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), encoded)
		return nil
	},
}

func readPassword(in io.Reader, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("empty password")
	}
	return line, nil
}

var genKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Print a random base64 32-byte key (KMS_LOCAL_KEY, PEPPER, SESSION_SECRET)",
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := kms.GenerateLocalKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), k)
		return nil
	},
}

func init() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	healthCmd.Flags().StringVar(&healthURL, "url", "http://127.0.0.1:"+port, "base URL of the server")
	rootCmd.AddCommand(healthCmd, hashPasswordCmd, genKeyCmd)
}
