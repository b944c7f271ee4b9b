package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "sensorbridge",
	Short: "Serial sensor to MQTT/NATS bridge",
	Long: "sensorbridge reads sensor frames from a serial port, calibrates them, " +
		"appends them to a CSV log and publishes them to a message broker.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the configuration file")
	rootCmd.AddCommand(runCmd, validateCmd, dumpCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
