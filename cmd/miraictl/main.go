package main

import (
	"fmt"
	"os"

	"github.com/gaborcsardi/mirai/pkg/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "miraictl",
	Short: "Mirai host monitoring tool",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
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
	},
}

func main() {
	rootCmd.PersistentFlags().StringP("uri", "u", "http://localhost:8080", "Host monitoring URI")
	rootCmd.PersistentFlags().CountP("verbose", "v", "Verbosity (repeatable)")

	viper.BindPFlag("uri", rootCmd.PersistentFlags().Lookup("uri"))
	viper.SetEnvPrefix("mirai")
	viper.AutomaticEnv()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
