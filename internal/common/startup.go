package common

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/armadaproject/sqllogger/internal/common/config"
	"github.com/armadaproject/sqllogger/internal/common/logging"
)

const (
	envPrefix         = "SQLLOGGER"
	logLevelEnvVar    = "SQLLOGGER_LOG_LEVEL"
	logFormatEnvVar   = "SQLLOGGER_LOG_FORMAT"
	defaultConfigName = "config"
)

// BindCommandlineArguments makes every flag of flags visible to the global viper instance.
func BindCommandlineArguments(flags *pflag.FlagSet) error {
	return errors.WithStack(viper.BindPFlags(flags))
}

// LoadConfig reads config.yaml from defaultPath, merges each of the overrideConfigs on top of it in order, applies
// SQLLOGGER_ prefixed environment variables and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName(defaultConfigName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || len(overrideConfigs) == 0 {
			return nil, errors.WithMessagef(err, "error reading base config path=%s", defaultPath)
		}
		log.Infof("No base config found in %s", defaultPath)
	} else {
		log.Infof("Read base config from %s", v.ConfigFileUsed())
	}

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		if err := v.MergeInConfig(); err != nil {
			return nil, errors.WithMessagef(err, "error reading config from %s", overrideConfig)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		return nil, errors.WithMessage(err, "error unmarshalling config")
	}
	return v, nil
}

// ConfigureLogging sets up logrus for an application. Level and format come from SQLLOGGER_LOG_LEVEL and
// SQLLOGGER_LOG_FORMAT and default to info and text.
func ConfigureLogging() {
	cfg := logging.Config{
		Level:  os.Getenv(logLevelEnvVar),
		Format: os.Getenv(logFormatEnvVar),
	}
	if err := logging.Configure(cfg, os.Stdout); err != nil {
		log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
		log.SetOutput(os.Stdout)
		log.WithError(err).Warn("Invalid logging configuration, falling back to defaults")
	}
}
