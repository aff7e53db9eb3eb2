package main

import (
	"os"

	"github.com/reelmix/reelmix/cmd/reelmix/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
