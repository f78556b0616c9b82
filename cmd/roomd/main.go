package main

import (
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/roomd/internal/app"
	"github.com/dokzlo13/roomd/internal/config"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	forgetNames := flag.Bool("forget-names", false, "Clear persisted device names on startup")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	initLogger(cfg.Log)

	log.Info().
		Str("config", configPath).
		Str("backend", cfg.Backend.Host).
		Str("database", cfg.Database.Path).
		Msg("Starting roomd")

	roomd, err := app.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize roomd")
	}

	// Stale names survive restarts for the grace period; this drops them now.
	if *forgetNames {
		if err := roomd.ForgetNames(); err != nil {
			log.Warn().Err(err).Msg("Failed to clear device names")
		}
	}

	if err := roomd.Run(app.SignalContext()); err != nil {
		log.Fatal().Err(err).Msg("roomd stopped with error")
	}
	log.Info().Msg("roomd stopped")
}

// initLogger points the global zerolog logger at stderr, as JSON lines or
// as console output with millisecond timestamps.
func initLogger(c config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(c.GetLevel())

	if c.JSON {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: "15:04:05.000",
		NoColor:    !c.Colors,
	})
}
