package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirrorops/ghmirror/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		path := configPath
		if path == "" {
			path = "config.toml"
		}
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", path)
	},
}
