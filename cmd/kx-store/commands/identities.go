package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

func identitiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "identities",
		Short: "List stored identity keys and their trust",
		RunE: func(cmd *cobra.Command, args []string) error {
			identities, err := db.Identities.Identities()
			if err != nil {
				return err
			}
			for _, rec := range identities {
				fmt.Printf("%d\t%s\t%s\t%s\n",
					rec.RecipientID,
					hex.EncodeToString(rec.Key),
					rec.Trust,
					rec.Added.Format("2006-01-02 15:04:05"))
			}
			return nil
		},
	}
}
