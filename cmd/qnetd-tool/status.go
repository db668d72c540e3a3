package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	client "qnet/clients/go"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show arbitrator status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				st, err := c.Summary(ctx)
				if err != nil {
					return err
				}

				fmt.Printf("Address: %v\n", st["address"])
				fmt.Printf("TLS: %v\n", st["tls"])
				fmt.Printf("Started: %v\n", st["started"])
				fmt.Printf("Sessions: %v\n", st["sessions"])
				fmt.Printf("Clients: %v\n", st["clients"])
				fmt.Printf("Clusters: %v\n", st["clusters"])
				fmt.Printf("Members: %v\n", st["members"])

				return nil
			})
		},
	}
}

func clustersCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "clusters [name]",
		Short: "List clusters and their members",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}

			return withClient(func(ctx context.Context, c *client.Client) error {
				clusters, err := c.Clusters(ctx, name)
				if err != nil {
					return err
				}

				if len(clusters) == 0 {
					fmt.Println("No clusters")
					return nil
				}

				for _, v := range clusters {
					cl, _ := v.(map[string]interface{})
					printCluster(cl, verbose)
				}

				return nil
			})
		},
	}

	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show session details")

	return cmd
}

func printCluster(cl map[string]interface{}, verbose bool) {
	members, _ := cl["members"].([]interface{})

	fmt.Printf("Cluster %q: algorithm %v, tie-breaker %v, %d connected\n",
		cl["name"], cl["algorithm"], cl["tie_breaker"], len(members))

	for i, v := range members {
		m, _ := v.(map[string]interface{})

		fmt.Printf("  %d) node %v  %-21v  vote %-14v  ring %v  membership %s\n",
			i+1, m["node_id"], m["address"], m["vote"], m["ring_id"], idList(m["membership"]))

		if verbose {
			fmt.Printf("       session %v  heartbeat %v  expected votes %v  quorate %v  syncing %v  config version %v  last seen %v\n",
				m["session"], m["heartbeat"], m["expected_votes"], m["quorate"],
				m["syncing"], m["config_version"], m["last_seen"])
		}
	}
}

func idList(v interface{}) string {
	ids, _ := v.([]interface{})

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}

	return "{" + strings.Join(parts, ",") + "}"
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the arbitrator is serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *client.Client) error {
				ok, err := c.Healthy(ctx)
				if err != nil {
					return err
				}

				if !ok {
					return fmt.Errorf("qnetd at %s is not serving", serverAddr)
				}

				fmt.Println("OK")

				return nil
			})
		},
	}
}
