package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/weft/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the weft version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("weft %s\n", version.Get())
	},
}
