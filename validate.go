package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eddielth/sensorbridge/config"
	"github.com/eddielth/sensorbridge/serialport"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration and print the channel table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}
		return describe(cmd.OutOrStdout(), cfg)
	},
}

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List the serial ports present on this machine",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := serialport.Ports()
		if err != nil {
			return fmt.Errorf("list serial ports: %w", err)
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
			return nil
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func describe(w io.Writer, cfg *config.Config) error {
	set, err := cfg.ChannelSet()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "serial   %s @ %d baud, %s frames\n", cfg.Serial.Port, cfg.Serial.Baud, cfg.Serial.Format)
	fmt.Fprintf(w, "broker   %s %s, data %q, heartbeat %q every %v\n",
		cfg.Broker.Type, cfg.Broker.URL, cfg.Broker.DataTopic, cfg.Broker.HeartbeatTopic, cfg.Heartbeat.Interval)
	fmt.Fprintf(w, "log      %s\n", cfg.Storage.CSV.Path)
	if cfg.Storage.Database.Enabled {
		fmt.Fprintf(w, "mirror   %s table %s\n", cfg.Storage.Database.Type, cfg.Storage.Database.Table)
	}
	fmt.Fprintf(w, "policy   %s when out of range\n", set.Policy())
	fmt.Fprintf(w, "\n%-16s %-8s %-14s %-20s %s\n", "CHANNEL", "UNIT", "FIELD", "DOMAIN", "VALUE")
	for i := 0; i < set.Len(); i++ {
		ch := set.Channel(i)
		domain := fmt.Sprintf("[%g, %g]", ch.Domain.Min, ch.Domain.Max)
		fmt.Fprintf(w, "%-16s %-8s %-14s %-20s raw*%g%+g\n", ch.Name, ch.Unit, ch.Key(), domain, ch.Scale, ch.Offset)
	}
	return nil
}
