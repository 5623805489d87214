package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-attrd/internal/proto"
)

var updateCmd = &cobra.Command{
	Use:   "update NAME [VALUE]",
	Short: "Update a node attribute, or delete it with no value. With --regex, NAME is omitted and every matching attribute gets VALUE.",
	Args:  cobra.RangeArgs(0, 2),
	RunE:  runUpdate,
}

func init() {
	updateCmd.Flags().String("attrd", "127.0.0.1:8500", "Address of a running attrd daemon")
	updateCmd.Flags().String("node", "", "Node the attribute belongs to (defaults to the daemon's own node)")
	updateCmd.Flags().String("regex", "", "Match attribute names by regex instead of NAME")
	updateCmd.Flags().Int("dampen-ms", 0, "Dampening interval in milliseconds (0 = use the attribute's existing setting)")
	updateCmd.Flags().Bool("private", false, "Mark the attribute private (never persisted to the CDB)")
	rootCmd.AddCommand(updateCmd)
}

func runUpdate(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("attrd")
	node, _ := cmd.Flags().GetString("node")
	regex, _ := cmd.Flags().GetString("regex")
	dampenMS, _ := cmd.Flags().GetInt("dampen-ms")
	private, _ := cmd.Flags().GetBool("private")

	msg := proto.New(proto.OpClientUpdate)
	msg.Regex = regex
	msg.TargetNode = node
	msg.IsPrivate = private
	if dampenMS > 0 {
		msg.DampenMS = &dampenMS
	}

	var valueArg string
	switch {
	case regex != "" && len(args) == 1:
		valueArg = args[0]
	case regex == "" && len(args) >= 1:
		msg.Name = args[0]
		if len(args) == 2 {
			valueArg = args[1]
		}
	case regex == "":
		return fmt.Errorf("provide NAME, or --regex with a VALUE")
	}
	if valueArg != "" {
		msg.Value = &valueArg
	}

	if err := sendToDaemon(addr, msg); err != nil {
		return err
	}
	fmt.Println("update sent")
	return nil
}
