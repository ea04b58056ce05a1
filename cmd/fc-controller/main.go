package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/featurecloud/fc-controller/pkg/cmd"
	"github.com/featurecloud/fc-controller/pkg/logs"
)

func main() {
	logs.InitLogs()
	defer logs.FlushLogs()

	command := cmd.New("fc-controller")
	command.PersistentFlags().AddGoFlag(flag.Lookup("v"))
	if err := command.Execute(); err != nil {
		logs.FlushLogs()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
