package commands

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kryptoworx-io/kx-signal-cli/internal/store"
)

var (
	dataDir string
	verbose bool
	db      *store.Store
)

func Execute() error {
	root := &cobra.Command{
		Use:           "kx-store",
		Short:         "Inspect a local account store",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			var err error
			db, err = store.Open(dataDir, store.WithLogger(log))
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if db != nil {
				return db.Close()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVar(&dataDir, "data", "", "data directory (default "+store.DefaultDataDir()+")")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(recipientsCmd(), identitiesCmd(), sessionsCmd(), groupsCmd())
	return root.Execute()
}
