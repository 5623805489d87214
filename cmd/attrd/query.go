package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:   "query NAME",
	Short: "Query a node attribute's value across the cluster",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

func init() {
	queryCmd.Flags().String("attrd", "127.0.0.1:8500", "Address of a running attrd daemon")
	queryCmd.Flags().String("node", "", "Restrict the query to one node (\"localhost\" means the daemon's own node)")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("attrd")
	node, _ := cmd.Flags().GetString("node")

	reply, err := queryDaemon(addr, args[0], node)
	if err != nil {
		return err
	}

	if len(reply.Records) == 0 {
		fmt.Println("no values found")
		return nil
	}
	for _, rec := range reply.Records {
		if rec.Value == nil {
			fmt.Printf("%s: <unset>\n", rec.Node)
			continue
		}
		fmt.Printf("%s: %s\n", rec.Node, *rec.Value)
	}
	return nil
}
