package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"sequencer/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		logrus.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
