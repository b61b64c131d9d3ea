package main

import (
	"os"

	"github.com/aydarnuman/catering-pro-sub000/cmd/ingestor/cmd"
	"github.com/aydarnuman/catering-pro-sub000/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
