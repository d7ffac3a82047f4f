package main

import (
	"fmt"
	"os"

	"github.com/ppfuzz/scheduler/cmd/ppfuzz/app"
)

func main() {
	if err := app.NewPPFuzzCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
