package main

import (
	"os"

	"github.com/alkorolyov/dcmon/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
