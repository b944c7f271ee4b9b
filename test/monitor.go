package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

type monitorOptions struct {
	broker    string
	username  string
	password  string
	dataTopic string
	hbTopic   string
	timeout   time.Duration
}

type sampleMessage struct {
	Timestamp time.Time `json:"ts"`
	Seq       uint64    `json:"seq"`
	Channels  map[string]struct {
		Value float64 `json:"value"`
		Unit  string  `json:"unit"`
		Valid bool    `json:"valid"`
	} `json:"channels"`
}

type heartbeatMessage struct {
	Timestamp      time.Time `json:"ts"`
	Host           string    `json:"host"`
	Serial         string    `json:"serial"`
	Broker         string    `json:"broker"`
	ProcessedDelta uint64    `json:"processed_since_last"`
	Malformed      uint64    `json:"malformed"`
	PublishDropped uint64    `json:"publish_dropped"`
	LogFailed      uint64    `json:"log_failed"`
	Transitions    []struct {
		Link string `json:"link"`
		From string `json:"from"`
		To   string `json:"to"`
	} `json:"transitions"`
}

func printSample(payload []byte) {
	var s sampleMessage
	if err := json.Unmarshal(payload, &s); err != nil {
		fmt.Printf("bad sample payload: %v\n", err)
		return
	}
	names := make([]string, 0, len(s.Channels))
	for name := range s.Channels {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		ch := s.Channels[name]
		mark := ""
		if !ch.Valid {
			mark = "!"
		}
		parts = append(parts, fmt.Sprintf("%s=%.2f%s%s", name, ch.Value, ch.Unit, mark))
	}
	fmt.Printf("[%s] #%d %s\n", s.Timestamp.Local().Format("15:04:05"), s.Seq, strings.Join(parts, " "))
}

func printHeartbeat(payload []byte) {
	var hb heartbeatMessage
	if err := json.Unmarshal(payload, &hb); err != nil {
		fmt.Printf("bad heartbeat payload: %v\n", err)
		return
	}
	fmt.Printf("[%s] HB %s serial=%s broker=%s +%d malformed=%d dropped=%d log_failed=%d\n",
		hb.Timestamp.Local().Format("15:04:05"), hb.Host, hb.Serial, hb.Broker,
		hb.ProcessedDelta, hb.Malformed, hb.PublishDropped, hb.LogFailed)
	for _, t := range hb.Transitions {
		fmt.Printf("    %s: %s -> %s\n", t.Link, t.From, t.To)
	}
}

func monitor(opts monitorOptions) error {
	mo := paho.NewClientOptions()
	mo.AddBroker(opts.broker)
	mo.SetClientID(fmt.Sprintf("sensorbridge-monitor-%d", time.Now().Unix()))
	if opts.username != "" {
		mo.SetUsername(opts.username)
		mo.SetPassword(opts.password)
	}
	mo.SetAutoReconnect(true)
	mo.SetConnectionLostHandler(func(_ paho.Client, err error) {
		fmt.Printf("connection lost: %v\n", err)
	})
	// subscriptions are renewed after every reconnect
	mo.SetOnConnectHandler(func(c paho.Client) {
		c.Subscribe(opts.dataTopic, 0, func(_ paho.Client, m paho.Message) { printSample(m.Payload()) })
		c.Subscribe(opts.hbTopic, 0, func(_ paho.Client, m paho.Message) { printHeartbeat(m.Payload()) })
	})

	client := paho.NewClient(mo)
	token := client.Connect()
	if !token.WaitTimeout(opts.timeout) {
		return fmt.Errorf("connect to %s timed out", opts.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connect to %s: %w", opts.broker, err)
	}
	fmt.Printf("watching %s and %s on %s\n", opts.dataTopic, opts.hbTopic, opts.broker)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	client.Disconnect(250)
	return nil
}
