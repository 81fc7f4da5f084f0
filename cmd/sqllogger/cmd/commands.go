package cmd

import (
	"sort"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"github.com/armadaproject/sqllogger/internal/common/app"
	"github.com/armadaproject/sqllogger/internal/common/logging"
	"github.com/armadaproject/sqllogger/internal/sqllogger"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the configured topics and write messages until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runLogger,
	}
}

func runLogger(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return sqllogger.Run(app.CreateContextWithShutdown(), config)
}

func validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration and the schema of every pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if _, err := sqllogger.CreateTableStatements(config); err != nil {
				return err
			}
			log.Infof("Configuration with %d pipelines is valid", len(config.Pipelines))
			return nil
		},
	}
}

func ddlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ddl",
		Short: "Print the CREATE TABLE statement of each pipeline writing to a fixed table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			statements, err := sqllogger.CreateTableStatements(config)
			if err != nil {
				return err
			}
			names := maps.Keys(statements)
			sort.Strings(names)
			log.SetFormatter(&logging.CommandLineFormatter{})
			for _, name := range names {
				log.Infof("-- pipeline %s\n%s;", name, statements[name])
			}
			return nil
		},
	}
}
