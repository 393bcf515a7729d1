package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/brainops/engbrain/runtime"
)

// Config is the top-level configuration object of the engbrain service.
var Config = new(runtime.ServeConfig)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	return runtime.Serve(Config)
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve the engineering-brain sync service", `
Serve the engineering-brain sync service with the provided configuration,
until signaled to exit (via SIGTERM).
`, &cmdServe{})

	if _, err := parser.Parse(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
