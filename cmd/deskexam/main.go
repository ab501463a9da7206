package main

import (
	"os"

	"github.com/psantana5/deskexam/cmd/deskexam/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
