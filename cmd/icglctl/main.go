package main

import (
	"os"

	"github.com/bakhe8/icgl/internal/ctl"
)

func main() {
	if err := ctl.Execute(); err != nil {
		os.Exit(1)
	}
}
