package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/eddielth/sensorbridge/config"
	"github.com/eddielth/sensorbridge/storage"
)

var (
	dumpJSON bool
	dumpTail int
)

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Print the records of the CSV log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return err
		}

		f, err := os.Open(cfg.Storage.CSV.Path)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
		defer f.Close()

		channels, records, err := storage.ReadCSV(f)
		if err != nil {
			return err
		}
		if dumpTail > 0 && len(records) > dumpTail {
			records = records[len(records)-dumpTail:]
		}
		if dumpJSON {
			return writeJSON(cmd.OutOrStdout(), channels, records)
		}
		return writeTable(cmd.OutOrStdout(), channels, records)
	},
}

func init() {
	dumpCmd.Flags().BoolVar(&dumpJSON, "json", false, "Print one JSON object per record")
	dumpCmd.Flags().IntVar(&dumpTail, "tail", 0, "Only print the last N records")
}

type dumpedValue struct {
	Value float64 `json:"value"`
	Valid bool    `json:"valid"`
}

type dumpedRecord struct {
	Timestamp time.Time              `json:"ts"`
	Channels  map[string]dumpedValue `json:"channels"`
}

func writeJSON(w io.Writer, channels []string, records []storage.Record) error {
	enc := json.NewEncoder(w)
	for _, rec := range records {
		out := dumpedRecord{Timestamp: rec.Timestamp, Channels: make(map[string]dumpedValue, len(channels))}
		for i, name := range channels {
			out.Channels[name] = dumpedValue{Value: rec.Values[i], Valid: rec.Valid[i]}
		}
		if err := enc.Encode(out); err != nil {
			return err
		}
	}
	return nil
}

// writeTable prints one row per record; invalid values are marked with '*'
func writeTable(w io.Writer, channels []string, records []storage.Record) error {
	header := append([]string{"timestamp"}, channels...)
	if _, err := fmt.Fprintln(w, strings.Join(header, "\t")); err != nil {
		return err
	}
	for _, rec := range records {
		row := make([]string, 0, len(channels)+1)
		row = append(row, rec.Timestamp.Format(time.RFC3339Nano))
		for i := range channels {
			v := strconv.FormatFloat(rec.Values[i], 'f', -1, 64)
			if !rec.Valid[i] {
				v += "*"
			}
			row = append(row, v)
		}
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return nil
}
