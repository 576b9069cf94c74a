package config

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// LoadConfig reads config.yaml from defaultPath, merges every file in overrideConfigs on top, applies
// environment variables prefixed with envPrefix and unmarshals the result into config.
// A missing default file is not an error so that the binary can run from any working directory.
func LoadConfig(v *viper.Viper, config interface{}, defaultPath string, overrideConfigs []string, envPrefix string) error {
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrapf(err, "reading config from %s", defaultPath)
		}
		log.Debugf("no default config found in %s", defaultPath)
	}

	for _, configPath := range overrideConfigs {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return errors.Wrapf(err, "merging config file %s", configPath)
		}
		log.Debugf("merged config file %s", configPath)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		return errors.Wrap(err, "unmarshalling config")
	}
	return nil
}
