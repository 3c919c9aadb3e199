package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"mlschat/internal/cryptoutil"
)

// initCmd creates the local identity (or reloads a matching one) and seeds
// the KeyPackage pool so the user can be added to groups while offline.
func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create your local identity and seed your key package pool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := currentIdentity(ctx)
			if err != nil {
				return fmt.Errorf("loading or creating identity: %w", err)
			}

			if err := appCtx.PoolService.Maintain(ctx, id); err != nil {
				return fmt.Errorf("seeding key package pool: %w", err)
			}

			fmt.Println("Identity ready.")
			fmt.Printf("Fingerprint: %s\n", cryptoutil.Fingerprint(id.SignaturePublic[:]))
			return nil
		},
	}
}
