package main

import (
	"os"

	"github.com/smallbiznis/invoicecore/cmd/invoicecore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
