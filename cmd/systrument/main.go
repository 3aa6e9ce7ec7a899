package main

import (
	"os"

	"github.com/kylewlacy/systrument/cmd/systrument/cli"
)

func main() {
	os.Exit(cli.Execute())
}
