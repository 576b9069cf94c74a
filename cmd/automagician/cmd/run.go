package cmd

import (
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/G-Research/automagician/internal/automagician"
	"github.com/G-Research/automagician/internal/common/app"
	"github.com/G-Research/automagician/internal/common/logging"
)

func runCmd(v *viper.Viper) *cobra.Command {
	var options automagician.Options
	var register bool

	cmd := &cobra.Command{
		Use:   "run [DIR...]",
		Short: "Reconcile with the scheduler, process jobs and submit what is ready",
		Long: `Reconcile the job database with the scheduler, process jobs and submit everything that
needs another run.

With --register the named directories (or the current directory) are added and processed.
With --process every recorded unconverged job is processed again.`,
		Example: `automagician run -r relax/Cu relax/Ag
automagician run -p -b --limit 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return errors.WithStack(err)
			}
			options.WorkingDir = wd
			if register {
				options.Register = args
				if len(options.Register) == 0 {
					options.Register = []string{wd}
				}
			} else if len(args) > 0 {
				return errors.Errorf("directories given without --register: %v", args)
			}

			ctx, stop := app.CreateContextWithShutdown()
			defer stop()
			err = automagician.New(config, options, log.StandardLogger()).Run(ctx)
			if err != nil {
				logging.WithStacktrace(log.StandardLogger(), err).Error("run failed")
			}
			return err
		},
	}

	cmd.Flags().BoolVarP(&register, "register", "r", false, "Register and process the given directories, or the current directory")
	cmd.Flags().BoolVarP(&options.Process, "process", "p", false, "Process every recorded unconverged job")
	cmd.Flags().BoolVar(&options.ResetStatus, "rjs", false, "Reset every recorded optimization job to incomplete before processing")
	cmd.Flags().BoolVar(&options.DeleteWorkingDir, "delpwd", false, "Forget the job in the current directory once the run is over")
	cmd.Flags().BoolVar(&options.PlainText, "dbplaintext", false, "Dump the job database as plain text into <home>/opt_jobs")
	cmd.Flags().BoolVar(&options.DbDebug, "db-debug", false, "With --process, list the jobs that would be processed without touching them")

	cmd.Flags().BoolP("balance", "b", false, "Balance submissions across clusters")
	cmd.Flags().IntP("limit", "l", 0, "Maximum number of jobs to submit in this run")
	cmd.Flags().Bool("cpl", false, "Keep processing jobs after the submission limit is reached")
	cmd.Flags().Bool("cc", false, "Remove convergence certificates before checking convergence")
	bindFlags(v, cmd.Flags(), map[string]string{
		"run.balance":           "balance",
		"run.limit":             "limit",
		"run.continuePastLimit": "cpl",
		"run.clearCertificate":  "cc",
	})
	return cmd
}

// bindFlags makes each flag override its configuration key when set on the command line.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, flag := range keys {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}
}
