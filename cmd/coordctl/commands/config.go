package commands

import (
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	Long: `Print the configuration after defaults, the config file, COORD_*
environment variables and flags were applied. Passwords in redis.url are
masked.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	configCmd.AddCommand(configPrintCmd)
	rootCmd.AddCommand(configCmd)
}
