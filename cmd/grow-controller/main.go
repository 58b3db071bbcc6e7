package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/Phoenix5595/grow-controller/internal/config"
	"github.com/Phoenix5595/grow-controller/internal/datadog"
	"github.com/Phoenix5595/grow-controller/internal/logging"
	"github.com/Phoenix5595/grow-controller/internal/notifications"
	"github.com/Phoenix5595/grow-controller/system/shutdown"
	"github.com/Phoenix5595/grow-controller/system/startup"
)

func main() {
	cfg := loadConfig()
	logging.Init(cfg.LogLevel, cfg.LogFile)
	datadog.InitMetrics(cfg.Datadog)
	notifications.Init(cfg.Notifications)

	sys, code, err := startup.Boot(cfg)
	if err != nil {
		log.Error().Err(err).Int("exit_code", code).Msg("Startup failed")
		os.Exit(code)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sys.Engine.Run(ctx)
	shutdown.Shutdown(sys)
}

// loadConfig turns the panic-style config validation into the config
// exit class.
func loadConfig() *config.Config {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "%v\n", r)
			os.Exit(startup.ExitConfig)
		}
	}()
	return config.Load()
}
