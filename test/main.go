// Bench tools for sensorbridge: a frame generator that writes firmware-style
// lines for replay, and a monitor that prints what the bridge publishes.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"
)

func main() {
	mode := flag.String("mode", "frames", "Run mode: frames, monitor")

	// frames
	out := flag.String("out", "", "Write frames to this file instead of stdout")
	count := flag.Int("count", 100, "Number of frames, 0 runs until interrupted")
	interval := flag.Duration("interval", 0, "Pause between frames")
	corrupt := flag.Float64("corrupt", 0.05, "Share of frames written garbled")
	format := flag.String("format", "json", "Frame format: json, csv")

	// monitor
	broker := flag.String("broker", "tcp://localhost:1883", "MQTT broker address")
	username := flag.String("username", "", "MQTT username")
	password := flag.String("password", "", "MQTT password")
	dataTopic := flag.String("data-topic", "weather/workstation", "Sample topic")
	hbTopic := flag.String("hb-topic", "weather/status/+/hb", "Heartbeat topic filter")
	flag.Parse()

	var err error
	switch *mode {
	case "frames":
		err = generateFrames(frameOptions{
			out:      *out,
			count:    *count,
			interval: *interval,
			corrupt:  *corrupt,
			format:   *format,
		})
	case "monitor":
		err = monitor(monitorOptions{
			broker:    *broker,
			username:  *username,
			password:  *password,
			dataTopic: *dataTopic,
			hbTopic:   *hbTopic,
			timeout:   10 * time.Second,
		})
	default:
		err = fmt.Errorf("unknown mode %q, use frames or monitor", *mode)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
