package main

import (
	"os"

	"github.com/sokovan/sokovan/cmd/scheduler/cmd"
	"github.com/sokovan/sokovan/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
