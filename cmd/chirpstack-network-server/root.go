package main

import (
	"github.com/spf13/cobra"

	log "github.com/sirupsen/logrus"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "chirpstack-network-server",
	Short: "LoRaWAN network server",
	Long:  "chirpstack-network-server terminates LoRaWAN MAC frames from gateways and routes application payloads to application servers.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cfgFile)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file")
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(configCmd())

	log.SetFormatter(&log.TextFormatter{})
}
