package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/emribilemir/atlas-ois-tracker/internal/captcha"
	"github.com/emribilemir/atlas-ois-tracker/internal/config"
	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/logring"
	"github.com/emribilemir/atlas-ois-tracker/internal/monitor"
	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

func loadConfig(opts *globalOpts) (*config.Config, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return nil, err
	}
	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// setupLogging tees the standard logger into a ring buffer for /logs.
func setupLogging(lines int) *logring.Ring {
	ring := logring.New(lines)
	log.SetOutput(io.MultiWriter(os.Stderr, ring))
	return ring
}

type app struct {
	monitor *monitor.Monitor
	closers []io.Closer
}

func buildApp(cfg *config.Config) (*app, error) {
	a := &app{}

	store := grades.NewStore()
	if !cfg.Storage.Disabled {
		db, err := grades.OpenSQLite(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("opening grade store: %w", err)
		}
		a.closers = append(a.closers, db)
		store = grades.NewPersistentStore(db)
	}

	solver := captcha.NewTesseract(cfg.Captcha)
	client, err := portal.NewClient(cfg.Portal, portal.Credentials{
		Username: cfg.Portal.Username,
		Password: cfg.Portal.Password,
	}, solver)
	if err != nil {
		a.Close()
		return nil, err
	}
	extractor, err := portal.NewExtractor(cfg.Portal)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.monitor = monitor.New(cfg.Monitor, client, extractor, store, nil)
	return a, nil
}

func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			log.Printf("close: %v", err)
		}
	}
}
