package main

import (
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/intercept-sh/openrouter-proxy/internal/config"
	"github.com/intercept-sh/openrouter-proxy/internal/server"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Optional .env next to the binary; real environment wins.
	_ = godotenv.Load()

	cfg, err := loadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	setupLogging(cfg)

	srv := server.New()
	if err = srv.Start(cfg); err != nil {
		log.Fatalf("start server: %v", err)
	}
	log.Infof("proxy listening on %s, upstream %s", srv.Addr(), cfg.UpstreamBaseURL)

	reload := watchConfig(configPath)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-reload:
			log.Info("config file changed, restarting")
			next, loadErr := loadConfig(configPath)
			if loadErr != nil {
				log.Errorf("reload skipped, config invalid: %v", loadErr)
				continue
			}
			if stopErr := srv.Stop(); stopErr != nil {
				log.Errorf("stop during reload: %v", stopErr)
			}
			if startErr := srv.Start(next); startErr != nil {
				log.Fatalf("restart after reload: %v", startErr)
			}
			setupLogging(next)
			log.Infof("proxy listening on %s", srv.Addr())
		case sig := <-sigs:
			log.Infof("received %s, shutting down", sig)
			if err = srv.Stop(); err != nil {
				log.Errorf("shutdown: %v", err)
			}
			return
		}
	}
}

// loadConfig reads the YAML file and overlays key material from the
// environment, so secrets can stay out of the file.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if keys := os.Getenv("OPENROUTER_API_KEYS"); keys != "" {
		cfg.APIKeys = splitList(keys)
	} else if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		cfg.APIKeys = []string{key}
	}
	if models := os.Getenv("OPENROUTER_MODELS"); models != "" {
		cfg.Models = splitList(models)
	}
	cfg.Sanitize()
	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setupLogging(cfg *config.Config) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if cfg.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}
}

// watchConfig emits on the returned channel when the config file is written.
// Editors often replace the file, so the watch covers the directory and
// events are debounced.
func watchConfig(path string) <-chan struct{} {
	out := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
		return out
	}
	dir := filepath.Dir(path)
	if err = watcher.Add(dir); err != nil {
		log.Warnf("config watch disabled: %v", err)
		_ = watcher.Close()
		return out
	}

	go func() {
		var last time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filepath.Base(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if time.Since(last) < time.Second {
					continue
				}
				last = time.Now()
				select {
				case out <- struct{}{}:
				default:
				}
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warnf("config watch error: %v", watchErr)
			}
		}
	}()
	return out
}
