package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"ransomguard/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrConfig, err)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set one configuration key and write the file back",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				return fmt.Errorf("%w: --config is required for config set", ErrConfig)
			}
			if err := config.Set(configPath, args[0], args[1]); err != nil {
				return fmt.Errorf("%w: %v", ErrConfig, err)
			}
			fmt.Printf("[+] %s = %s\n", args[0], args[1])
			return nil
		},
	})

	return cmd
}
