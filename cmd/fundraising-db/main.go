package main

import (
	"fmt"
	"os"

	"gitlab.com/galangdana/fundraising-db/fundraising"
)

func main() {
	if err := fundraising.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
