package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/petervdpas/callmesh/internal/config"
)

var initForce bool

var initConfigCmd = &cobra.Command{
	Use:   "init-config",
	Short: "Write a default config file",
	RunE: func(_ *cobra.Command, _ []string) error {
		path := joinConfig
		if !initForce {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
		if err := config.Save(path, config.Default(filepath.Dir(path))); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	},
}

func init() {
	initConfigCmd.Flags().StringVar(&joinConfig, "config", defaultConfigPath(), "path to the config file")
	initConfigCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing file")
	rootCmd.AddCommand(initConfigCmd)
}
