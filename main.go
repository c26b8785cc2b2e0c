package main

import (
	"os"

	"ransomguard/internal/delivery/cli"
)

func main() {
	os.Exit(cli.Execute())
}
