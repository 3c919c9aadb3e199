package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// membersCmd lists a group's current membership, read live off the MLS
// engine's ratchet tree rather than any cached side-store.
func membersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "members <group>",
		Short: "List a group's current members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			groupID, err := parseGroupID(args[0])
			if err != nil {
				return err
			}
			if _, err := initializedRouter(ctx); err != nil {
				return err
			}
			members, err := appCtx.RouterService.ListMembersOf(groupID)
			if err != nil {
				return fmt.Errorf("listing members of group %s: %w", groupID.String(), err)
			}
			for _, m := range members {
				fmt.Println(m.String())
			}
			return nil
		},
	}
}
