package main

import (
	"os"

	"github.com/udisondev/phi/cmd/phi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
