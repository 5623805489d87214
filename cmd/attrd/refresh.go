package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/warren-attrd/internal/proto"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force the target daemon to rewrite every attribute it holds to the CDB, bypassing dampening",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

func init() {
	refreshCmd.Flags().String("attrd", "127.0.0.1:8500", "Address of a running attrd daemon")
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("attrd")

	if err := sendToDaemon(addr, proto.New(proto.OpClientRefresh)); err != nil {
		return err
	}
	fmt.Println("refresh sent")
	return nil
}
