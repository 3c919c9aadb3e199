package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// createGroupCmd starts a fresh group containing only the local identity.
func createGroupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create-group <name>",
		Short: "Create a new group with you as its only member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := initializedRouter(ctx); err != nil {
				return err
			}
			groupID, err := appCtx.RouterService.CreateGroup(ctx, args[0])
			if err != nil {
				return fmt.Errorf("creating group %q: %w", args[0], err)
			}
			fmt.Printf("Group created: %s\n", groupID.String())
			return nil
		},
	}
}
