package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/gaborcsardi/mirai/pkg/daemon"
	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/gaborcsardi/mirai/pkg/utils"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "miraid",
	Short: "Mirai task evaluation daemon",
	Run: func(cmd *cobra.Command, args []string) {
		verbosity, err := cmd.Flags().GetCount("verbose")
		if err != nil {
			log.Fatal(err)
		}
		switch {
		case verbosity >= 2:
			log.SetLevel(log.TraceLevel)
		case verbosity >= 1:
			log.SetLevel(log.DebugLevel)
		}

		// Load daemon configuration from flags, file or environment.
		config, err := LoadConfig()
		if err != nil {
			log.Fatal(err)
		}

		if config.Dial == "" {
			log.Fatal("No host URL, use --dial")
		}

		daemonConfig, err := config.DaemonConfig(afero.NewOsFs())
		if err != nil {
			log.Fatal(err)
		}

		log.Info("Daemon configuration:")
		log.Infof("  Host URL: %s", daemonConfig.URL)
		log.Infof("  Autoexit: %v", daemonConfig.Autoexit)
		if daemonConfig.IdleTimeout > 0 {
			log.Infof("  Idle timeout: %v", daemonConfig.IdleTimeout)
		}
		if daemonConfig.MaxTasks > 0 {
			log.Infof("  Max tasks: %d", daemonConfig.MaxTasks)
		}
		if daemonConfig.Seed != 0 {
			log.Infof("  Random seed: %d", daemonConfig.Seed)
		}

		d := daemon.New(daemonConfig, &daemon.EchoEvaluator{})
		log.Infof("  Identity: %s", d.ID())

		if err := d.Run(context.Background()); err != nil {
			if errors.Is(err, daemon.ErrTransportLost) {
				os.Exit(1)
			}
			log.Fatal(err)
		}
	},
}

func main() {
	rootCmd.Flags().StringP("dial", "d", "", "Host URL to dial")
	rootCmd.Flags().String("tls", "", "TLS certificate (inline PEM or file path)")
	rootCmd.Flags().Bool("no-autoexit", false, "Wait for reconnection on transport loss")
	rootCmd.Flags().Duration("idle-timeout", 0, "Exit after this long without a task")
	rootCmd.Flags().Int("max-tasks", 0, "Exit after completing this many tasks")
	rootCmd.Flags().Int64("rs", 0, "Random seed")
	rootCmd.Flags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("dial", rootCmd.Flags().Lookup("dial"))
	viper.BindPFlag("tls", rootCmd.Flags().Lookup("tls"))
	viper.BindPFlag("no_autoexit", rootCmd.Flags().Lookup("no-autoexit"))
	viper.BindPFlag("idle_timeout", rootCmd.Flags().Lookup("idle-timeout"))
	viper.BindPFlag("max_tasks", rootCmd.Flags().Lookup("max-tasks"))
	viper.BindPFlag("rs", rootCmd.Flags().Lookup("rs"))
	viper.SetEnvPrefix("mirai")
	viper.AutomaticEnv()

	viper.SetConfigName("miraid.yaml")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("/etc/mirai/")
	viper.AddConfigPath("$HOME/.config/mirai")
	viper.AddConfigPath(".")
	viper.ReadInConfig()

	utils.TerminateOnSignal()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
