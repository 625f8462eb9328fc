package main

import (
	"os"

	"github.com/BDNK1/steprunner/cli/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
