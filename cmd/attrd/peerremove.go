package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-attrd/internal/proto"
)

var peerRemoveCmd = &cobra.Command{
	Use:   "peer-remove",
	Short: "Remove every attribute value belonging to a peer, by node name or host id",
	Args:  cobra.NoArgs,
	RunE:  runPeerRemove,
}

func init() {
	peerRemoveCmd.Flags().String("attrd", "127.0.0.1:8500", "Address of a running attrd daemon")
	peerRemoveCmd.Flags().String("node", "", "Node name to remove")
	peerRemoveCmd.Flags().Uint32("node-id", 0, "Node id to remove, if the node name isn't known")
	rootCmd.AddCommand(peerRemoveCmd)
}

func runPeerRemove(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("attrd")
	node, _ := cmd.Flags().GetString("node")
	nodeID, _ := cmd.Flags().GetUint32("node-id")

	if node == "" && nodeID == 0 {
		return fmt.Errorf("provide --node or --node-id")
	}

	msg := proto.New(proto.OpClientPeerRemove)
	msg.TargetNode = node
	msg.TargetNodeID = nodeID

	if err := sendToDaemon(addr, msg); err != nil {
		return err
	}
	fmt.Println("peer-remove sent")
	return nil
}
