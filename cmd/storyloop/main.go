package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/imkarma/storyloop/internal/cli"
	"github.com/imkarma/storyloop/internal/loop"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, loop.ErrInterrupted) {
			os.Exit(130)
		}
		os.Exit(1)
	}
}
