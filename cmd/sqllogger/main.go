package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/cmd/sqllogger/cmd"
	"github.com/armadaproject/sqllogger/internal/common"
	"github.com/armadaproject/sqllogger/internal/common/logging"
)

func main() {
	common.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		log.Errorf("%+v", logging.TopmostWithCause(err))
		os.Exit(1)
	}
}
