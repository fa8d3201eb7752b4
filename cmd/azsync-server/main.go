// Command azsync-server runs the lock/slotkeeper coordination service.
package main

import (
	"os"

	"github.com/edirooss/azsync-server/cmd/azsync-server/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
