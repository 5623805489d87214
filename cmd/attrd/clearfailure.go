package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-attrd/internal/proto"
)

var clearFailureCmd = &cobra.Command{
	Use:   "clear-failure",
	Short: "Clear fail-count/last-failure attributes, optionally scoped to one resource or operation",
	Args:  cobra.NoArgs,
	RunE:  runClearFailure,
}

func init() {
	clearFailureCmd.Flags().String("attrd", "127.0.0.1:8500", "Address of a running attrd daemon")
	clearFailureCmd.Flags().String("node", "", "Restrict the clear to one node")
	clearFailureCmd.Flags().String("resource", "", "Restrict the clear to one resource (omit to clear every resource)")
	clearFailureCmd.Flags().String("operation", "", "Restrict the clear to one operation (requires --resource)")
	clearFailureCmd.Flags().Int("interval-ms", 0, "Operation's configured interval in milliseconds (requires --operation)")
	rootCmd.AddCommand(clearFailureCmd)
}

func runClearFailure(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("attrd")
	node, _ := cmd.Flags().GetString("node")
	resource, _ := cmd.Flags().GetString("resource")
	operation, _ := cmd.Flags().GetString("operation")
	intervalMS, _ := cmd.Flags().GetInt("interval-ms")

	if operation != "" && resource == "" {
		return fmt.Errorf("--operation requires --resource")
	}

	msg := proto.New(proto.OpClientClearFailure)
	msg.TargetNode = node
	msg.Resource = resource
	msg.Operation = operation
	msg.IntervalMS = intervalMS

	if err := sendToDaemon(addr, msg); err != nil {
		return err
	}
	fmt.Println("clear-failure sent")
	return nil
}
