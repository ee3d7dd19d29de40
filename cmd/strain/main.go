package main

import (
	"github.com/strainhq/strain/internal/cli"
	"github.com/strainhq/strain/internal/metrics"
)

func main() {
	metrics.EmitBuildInfo()
	cli.Execute()
}
