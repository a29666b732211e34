package main

import (
	"os"

	"github.com/Iron-Ham/devstack/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
