package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func groupsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "groups",
		Short: "List groups and their membership",
		RunE: func(cmd *cobra.Command, args []string) error {
			groups, err := db.Groups.Groups()
			if err != nil {
				return err
			}
			for _, g := range groups {
				members, err := db.Groups.Members(g.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%s\tmembers=%v\n", g.ID, g.Name, members)
			}
			return nil
		},
	}
}
