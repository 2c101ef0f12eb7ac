package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List session rows per recipient device",
		RunE: func(cmd *cobra.Command, args []string) error {
			recipients, err := db.Recipients.Recipients()
			if err != nil {
				return err
			}
			for _, r := range recipients {
				devices, err := db.Sessions.ActiveDevices(r.ID)
				if err != nil {
					return err
				}
				sub, err := db.Sessions.SubDeviceSessions(r.ID)
				if err != nil {
					return err
				}
				if len(devices) == 0 && len(sub) == 0 {
					continue
				}
				fmt.Printf("%d\t%s\tactive=%v\tsub-devices=%v\n", r.ID, r.Address, devices, sub)
			}
			return nil
		},
	}
}
