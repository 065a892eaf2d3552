package main

import (
	"os"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

func main() {
	if err := newRootCmd(newApp(env.NewRepository(), log.NewLogger(), os.Stdout)).Execute(); err != nil {
		os.Exit(1)
	}
}
