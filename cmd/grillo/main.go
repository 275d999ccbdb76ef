package main

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "grillo",
	Short: "grillo is a realtime sync engine for a social platform client",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := zerolog.ParseLevel(viper.GetString("log-level"))
		if err != nil {
			return errors.Wrap(err, "parse log level")
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).Level(level)
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace|debug|info|warn|error)")
	if err := viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level")); err != nil {
		cobra.CheckErr(err)
	}
	viper.SetEnvPrefix("GRILLO")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newDemoCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
