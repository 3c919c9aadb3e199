// The entrypoint for the mlschat CLI.
package main

import (
	"log"

	"mlschat/cmd/mlschat/commands"
)

// Initialises and executes the command hierarchy.
func main() {
	if err := commands.Execute(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
