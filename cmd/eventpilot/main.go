package main

import (
	"os"

	"github.com/jackcrane/eventpilot-v3-sub001/cmd/eventpilot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
