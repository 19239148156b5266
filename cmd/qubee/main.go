package main

import (
	"os"

	"github.com/qubee/qubee-go/cmd/qubee/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
