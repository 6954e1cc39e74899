package main

import (
	"os"

	"github.com/Dicklesworthstone/iiif_auth_broker/cmd/iab/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
