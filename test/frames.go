package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// firmwareFrame mirrors the JSON object the workstation firmware prints once
// per second. Every value is a raw 10-bit ADC reading.
type firmwareFrame struct {
	TempHumidity int `json:"temp_humidity"`
	CO2          int `json:"co2"`
	Oxygen       int `json:"oxygen"`
	UV           int `json:"uv"`
	Solar        int `json:"solar"`
	AirQuality   int `json:"air_quality"`
	Pressure     int `json:"pressure"`
}

type frameOptions struct {
	out      string
	count    int
	interval time.Duration
	corrupt  float64
	format   string
}

// drift walks a raw reading around its previous value
func drift(v int) int {
	v += rand.Intn(11) - 5
	if v < 0 {
		return 0
	}
	if v > 1023 {
		return 1023
	}
	return v
}

func (f firmwareFrame) next() firmwareFrame {
	return firmwareFrame{
		TempHumidity: drift(f.TempHumidity),
		CO2:          drift(f.CO2),
		Oxygen:       drift(f.Oxygen),
		UV:           drift(f.UV),
		Solar:        drift(f.Solar),
		AirQuality:   drift(f.AirQuality),
		Pressure:     drift(f.Pressure),
	}
}

func (f firmwareFrame) csv() string {
	// channel order of config.example.yaml
	return fmt.Sprintf("%d,%d,%d,%d,%d,%d,%d,%d,%d",
		f.TempHumidity, f.TempHumidity, f.CO2, f.Oxygen, f.UV, f.Solar, f.AirQuality, f.Solar, f.Pressure)
}

func generateFrames(opts frameOptions) error {
	var w io.Writer = os.Stdout
	if opts.out != "" {
		file, err := os.OpenFile(opts.out, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("open %s: %w", opts.out, err)
		}
		defer file.Close()
		w = file
	}
	bw := bufio.NewWriter(w)
	defer bw.Flush()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	frame := firmwareFrame{TempHumidity: 512, CO2: 210, Oxygen: 1000, UV: 80, Solar: 300, AirQuality: 90, Pressure: 940}
	corrupted := 0
	for i := 0; opts.count == 0 || i < opts.count; i++ {
		frame = frame.next()

		var line string
		if opts.format == "csv" {
			line = frame.csv()
		} else {
			b, err := json.Marshal(frame)
			if err != nil {
				return err
			}
			line = string(b)
		}
		if rand.Float64() < opts.corrupt {
			// a frame cut short by line noise
			line = line[:rand.Intn(len(line))]
			corrupted++
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return err
		}

		if opts.interval > 0 {
			if err := bw.Flush(); err != nil {
				return err
			}
		}
		if interrupted(sigChan, opts.interval) {
			fmt.Fprintf(os.Stderr, "stopped after %d frames, %d garbled\n", i+1, corrupted)
			return nil
		}
	}
	fmt.Fprintf(os.Stderr, "wrote %d frames, %d garbled\n", opts.count, corrupted)
	return nil
}

// interrupted waits d and reports whether a stop signal arrived meanwhile
func interrupted(sig <-chan os.Signal, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-sig:
			return true
		default:
			return false
		}
	}
	select {
	case <-sig:
		return true
	case <-time.After(d):
		return false
	}
}
