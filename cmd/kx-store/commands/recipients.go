package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func recipientsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recipients",
		Short: "List canonical recipient records",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, err := db.Recipients.Recipients()
			if err != nil {
				return err
			}
			for _, r := range recipients {
				line := fmt.Sprintf("%d\t%s", r.ID, r.Address)
				if r.Contact != nil && r.Contact.Name != "" {
					line += "\t" + r.Contact.Name
				}
				fmt.Println(line)
			}
			return nil
		},
	}
}
