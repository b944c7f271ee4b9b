package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/eddielth/sensorbridge/logger"
)

// ConfigChangeCallback is called with the re-read configuration after the
// file changed on disk
type ConfigChangeCallback func(cfg *Config, err error)

// debounceInterval swallows the burst of events editors produce per save
const debounceInterval = 2 * time.Second

// WatchConfig watches configPath and calls callback after every change.
// The running pipeline never applies the new values; the callback decides
// how to report them.
func WatchConfig(configPath string, callback ConfigChangeCallback) error {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return err
	}

	v := newViper()
	v.SetConfigFile(absPath)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", absPath, err)
	}

	var mu sync.Mutex
	var lastChangeTime time.Time

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		mu.Lock()
		now := time.Now()
		if now.Sub(lastChangeTime) < debounceInterval {
			mu.Unlock()
			return
		}
		lastChangeTime = now
		mu.Unlock()

		logger.Info("Config file changed: %s", e.Name)
		callback(decode(v))
	})
	v.WatchConfig()
	return nil
}

// RestartNotice is a ConfigChangeCallback that logs whether the edited file
// is still valid and that it applies on the next start. The log level is the
// one setting applied immediately.
func RestartNotice(cfg *Config, err error) {
	if err != nil {
		logger.Error("Edited config is invalid, the next start will fail: %v", err)
		return
	}
	if lvl, err := logger.ParseLogLevel(cfg.Logger.Level); err == nil {
		logger.SetLevel(lvl)
	}
	logger.Warn("Config changed on disk (%d channels, broker %s); restart required to apply", len(cfg.Channels), cfg.Broker.URL)
}
