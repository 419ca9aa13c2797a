// Package main provides the entry point for the mylifedb CLI.
package main

import (
	"os"

	"github.com/xiaoyuanzhu-com/my-life-db/cmd/mylifedb/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
