package main

import (
	"os"

	"github.com/entl/termhub/internal/cli"
)

// version and build are injected at link time:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.build=$(git rev-parse --short HEAD)"
var (
	version = "dev"
	build   = "unknown"
)

func main() {
	if err := cli.Execute(version, build); err != nil {
		os.Exit(1)
	}
}
