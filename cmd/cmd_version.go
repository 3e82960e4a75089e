package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	homehub "github.com/rustyeddy/homehub"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the hub version",
	Long:  `Print the version of the home automation hub binary`,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmdOutput, homehub.Version)
	},
}
