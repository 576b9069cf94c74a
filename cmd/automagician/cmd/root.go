package cmd

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/G-Research/automagician/internal/automagician/configuration"
	commonconfig "github.com/G-Research/automagician/internal/common/config"
	"github.com/G-Research/automagician/internal/common/logging"
)

const (
	configFlag  = "config"
	silentFlag  = "silent"
	verboseFlag = "verbose"

	defaultConfigPath = "./config/automagician"
	envPrefix         = "AUTOMAGICIAN"
)

// RootCmd is the root Cobra command that gets called from the main func.
// All other sub-commands should be registered here.
func RootCmd() *cobra.Command {
	v := viper.New()
	configuration.SetDefaults(v)

	cmd := &cobra.Command{
		Use:           "automagician",
		Short:         "automagician tracks, fixes and resubmits VASP jobs across the group's clusters.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			silent, _ := cmd.Flags().GetBool(silentFlag)
			verbose, _ := cmd.Flags().GetBool(verboseFlag)
			log.SetLevel(logging.LevelFor(silent, verbose))
		},
	}
	cmd.PersistentFlags().StringSlice(
		configFlag,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)
	cmd.PersistentFlags().BoolP(silentFlag, "s", false, "Only log warnings and errors")
	cmd.PersistentFlags().Bool(verboseFlag, false, "Log debug output, overrides --silent")

	cmd.AddCommand(
		runCmd(v),
		dbCmd(v),
	)
	return cmd
}

// loadConfig reads the layered configuration for cmd and validates it.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (configuration.AutomagicianConfiguration, error) {
	var config configuration.AutomagicianConfiguration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice(configFlag)
	if err != nil {
		return config, errors.WithStack(err)
	}
	if err := commonconfig.LoadConfig(v, &config, defaultConfigPath, userSpecifiedConfigs, envPrefix); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, errors.New("invalid configuration")
	}
	return config, nil
}
