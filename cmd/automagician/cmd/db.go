package cmd

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/automagician/internal/automagician"
	"github.com/G-Research/automagician/internal/automagician/domain"
	"github.com/G-Research/automagician/internal/automagician/jobdir"
	"github.com/G-Research/automagician/internal/automagician/repository"
	"github.com/G-Research/automagician/internal/common/app"
	"github.com/G-Research/automagician/internal/common/logging"
	"github.com/G-Research/automagician/internal/common/util"
)

func dbCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Inspect and maintain the job database",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureCommandLineLogging()
			cmd.Root().PersistentPreRun(cmd, args)
		},
	}
	cmd.AddCommand(
		dbDumpCmd(v),
		dbResetStatusCmd(v),
		dbDeleteCmd(v),
		dbRelocationsCmd(v),
	)
	return cmd
}

// withStore loads the configuration and runs fn against the job store under the run lock.
func withStore(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, store repository.JobStore, home string) error) error {
	config, err := loadConfig(cmd, v)
	if err != nil {
		return err
	}
	ctx, stop := app.CreateContextWithShutdown()
	defer stop()
	return automagician.New(config, automagician.Options{}, log.StandardLogger()).WithStore(ctx, fn)
}

func dbDumpCmd(v *viper.Viper) *cobra.Command {
	var toStdout bool
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Write the job tables as plain text into <home>/opt_jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, store repository.JobStore, home string) error {
				if toStdout {
					return repository.WritePlainText(ctx, store, cmd.OutOrStdout())
				}
				path := filepath.Join(home, jobdir.PlainTextDump)
				if err := automagician.WritePlainTextFile(ctx, store, path); err != nil {
					return err
				}
				log.Infof("wrote %s", path)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&toStdout, "stdout", false, "Print the dump instead of writing the file")
	return cmd
}

func dbResetStatusCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-status",
		Short: "Set every optimization job back to incomplete",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, store repository.JobStore, _ string) error {
				if err := store.ResetOptStatuses(ctx, domain.StatusIncomplete); err != nil {
					return err
				}
				log.Info("every optimization job is now incomplete")
				return nil
			})
		},
	}
}

func dbDeleteCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "delete [DIR]",
		Short: "Forget the optimization job in DIR, by default the current directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			abs, err := filepath.Abs(dir)
			if err != nil {
				return errors.WithStack(err)
			}
			return withStore(cmd, v, func(ctx context.Context, store repository.JobStore, _ string) error {
				if err := store.DeleteOptJob(ctx, abs); err != nil {
					return err
				}
				log.Infof("deleted %s", abs)
				return nil
			})
		},
	}
}

func dbRelocationsCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "relocations",
		Short: "List the jobs handed to another cluster for submission",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, v, func(ctx context.Context, store repository.JobStore, _ string) error {
				relocations, err := store.Relocations(ctx)
				if err != nil {
					return err
				}
				w := util.NewTabbedStringBuilder(1, 1, 2, ' ', 0)
				w.Writef("DIRECTORY\tDESTINATION\n")
				for _, relocation := range relocations {
					w.Writef("%s\t%s\n", relocation.Dir, relocation.Destination)
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), w.String())
				return errors.WithStack(err)
			})
		},
	}
}
