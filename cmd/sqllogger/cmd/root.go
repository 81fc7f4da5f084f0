package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/armadaproject/sqllogger/internal/common"
	commonconfig "github.com/armadaproject/sqllogger/internal/common/config"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
)

const (
	CustomConfigLocation = "config"
	defaultConfigPath    = "./config/sqllogger"
)

// RootCmd is the root Cobra command that gets called from the main func. Without a subcommand it runs the logger.
func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "sqllogger",
		Short:         "sqllogger writes JSON messages received from a message bus into SQL databases.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runLogger,
	}
	cmd.PersistentFlags().StringSlice(
		CustomConfigLocation,
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)",
	)

	cmd.AddCommand(
		runCmd(),
		validateCmd(),
		ddlCmd(),
	)
	return cmd
}

// loadConfig reads, defaults and validates the configuration named by the --config flag.
func loadConfig(cmd *cobra.Command) (*configuration.SqlLoggerConfiguration, error) {
	if err := common.BindCommandlineArguments(cmd.Flags()); err != nil {
		return nil, err
	}
	paths := viper.GetStringSlice(CustomConfigLocation)
	var config configuration.SqlLoggerConfiguration
	if _, err := common.LoadConfig(&config, defaultConfigPath, paths); err != nil {
		return nil, err
	}
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return nil, errors.New("configuration is invalid")
	}
	return &config, nil
}
