package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	client "qnet/clients/go"
)

var (
	serverAddr string
	timeout    int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:          "qnetd-tool",
		Short:        "qnetd-tool - qnetd status CLI",
		Long:         `qnetd-tool queries the admin service of a running qnetd`,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "127.0.0.1:5404", "Admin server address")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 10, "Request timeout in seconds")

	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(clustersCmd())
	rootCmd.AddCommand(healthCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withClient dials the admin server and runs fn with a request context.
func withClient(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeout)*time.Second)
	defer cancel()

	c, err := client.New(ctx, serverAddr, &client.Options{
		Insecure:    true,
		DialTimeout: time.Duration(timeout) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("cannot connect to %s: %w", serverAddr, err)
	}
	defer c.Close()

	return fn(ctx, c)
}
