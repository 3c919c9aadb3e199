package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"mlschat/internal/domain"
)

func parseGroupID(s string) (domain.GroupID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid group id %q: %w", s, err)
	}
	return domain.GroupID(b), nil
}

// inviteCmd reserves a KeyPackage for <peer> and adds them to <group>.
func inviteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invite <group> <peer>",
		Short: "Invite a peer into a group you belong to",
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
			if err := appCtx.RouterService.InviteTo(ctx, groupID, domain.Username(args[1])); err != nil {
				return fmt.Errorf("inviting %q into group %s: %w", args[1], groupID.String(), err)
			}
			fmt.Printf("%s invited into group %s\n", args[1], groupID.String())
			return nil
		},
	}
}
