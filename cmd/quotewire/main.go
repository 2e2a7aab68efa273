// quotewire serves normalized market data: REST single-shot queries with
// smart caching, plus websocket streaming through the dynamic batching
// pipeline.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	pretty  bool
	verbose bool
)

func main() {
	root := &cobra.Command{
		Use:   "quotewire",
		Short: "Market data ingestion, caching and streaming broker",
		PersistentPreRun: func(*cobra.Command, []string) {
			initLogging()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "config/markets.yaml", "configuration file")
	root.PersistentFlags().BoolVar(&pretty, "pretty", false, "human-readable log output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging() {
	// .env is a developer convenience; absence is the normal case.
	_ = godotenv.Load()

	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}
}
