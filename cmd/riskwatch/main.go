package main

import (
	"os"
)

func main() {
	root := newRootCommand(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
