package main

import (
	"fmt"
	"os"
)

func main() {
	opts := defaultOptions()
	if err := newRootCmd(opts).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "dropfour: %v\n", err)
		os.Exit(1)
	}
}
