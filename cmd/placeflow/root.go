package main

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "placeflow",
		Short: "Placeflow runs place/transition workflows",
		Long: `Placeflow loads workflow templates from YAML or JSON files and advances
instances through them, persisting every step.`,
		SilenceUsage: true,
	}

	// Persistent flags (available to all commands)
	root.PersistentFlags().String("config", "", "Path to a config file (default ./placeflow.yaml)")
	root.PersistentFlags().String("templates", "", "Directory containing template files")
	root.PersistentFlags().String("schemas", "", "Schema file or directory")

	root.AddCommand(newRunCmd(), newServeCmd(), newValidateCmd())
	return root
}

// configFromFlags loads the config and applies flag overrides
func configFromFlags(cmd *cobra.Command) (*Config, error) {
	v := viper.New()
	for _, name := range []string{"templates", "schemas"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			v.Set(name, f.Value.String())
		}
	}
	path, _ := cmd.Flags().GetString("config")
	return LoadConfig(v, path)
}
