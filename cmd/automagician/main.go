package main

import (
	"os"

	"github.com/G-Research/automagician/cmd/automagician/cmd"
	"github.com/G-Research/automagician/internal/common/logging"
)

func main() {
	logging.ConfigureLogging()
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
