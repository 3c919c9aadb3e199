package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// sendCmd encrypts and sends a message to a group.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <group> <message>",
		Short: "Encrypt and send a message to a group",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			if _, err := initializedRouter(ctx); err != nil {
				return err
			}
			if err := appCtx.RouterService.SendMessageTo(ctx, groupID, args[1]); err != nil {
				return fmt.Errorf("sending to group %s: %w", groupID.String(), err)
			}
			fmt.Println("Message sent")
			return nil
		},
	}
}
