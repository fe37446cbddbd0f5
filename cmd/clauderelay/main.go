// clauderelay bridges Slack and Claude: mentions and direct messages are
// forwarded to the Anthropic Messages API and the streamed reply replaces an
// immediately-posted placeholder message.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/quailyquaily/clauderelay/cmd/clauderelay/servecmd"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "clauderelay",
		Short:         "Slack bot bridging conversations to Claude",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			viper.SetEnvPrefix("CLAUDERELAY")
			viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
			viper.AutomaticEnv()

			configPath, err := cmd.Flags().GetString("config")
			if err != nil {
				return err
			}
			// Ambient keys (log.*, health.*) live in the same document the
			// settings loader reads; a missing file is tolerated here and
			// reported properly by commands that require it.
			viper.SetConfigFile(configPath)
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
					return fmt.Errorf("read config %s: %w", configPath, err)
				}
			}

			if cmd.Flags().Changed("log-level") {
				level, err := cmd.Flags().GetString("log-level")
				if err != nil {
					return err
				}
				viper.Set("log.level", level)
			}
			return nil
		},
	}
	root.PersistentFlags().String("config", "config.yaml", "Path to the settings document.")
	root.PersistentFlags().String("log-level", "", "Log level: debug|info|warn|error.")

	root.AddCommand(servecmd.NewCommand())
	return root
}
