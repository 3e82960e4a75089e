// Command hubctl runs the home automation hub and gives operators a CLI
// to inspect and drive it, locally or against a remote instance.
package main

import (
	"github.com/rustyeddy/homehub/cmd"
)

func main() {
	cmd.Execute()
}
