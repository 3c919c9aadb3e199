package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"mlschat/internal/cryptoutil"
)

// fingerprintCmd prints the local identity's signature-key fingerprint,
// the value a peer can use to verify out-of-band before trusting a Welcome.
func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print your identity's signature key fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := currentIdentity(cmd.Context())
			if err != nil {
				return fmt.Errorf("loading identity: %w", err)
			}
			fmt.Println(cryptoutil.Fingerprint(id.SignaturePublic[:]))
			return nil
		},
	}
}
