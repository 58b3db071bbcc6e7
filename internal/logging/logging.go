package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func Init(level zerolog.Level, logFile string) {
	var writer zerolog.LevelWriter

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		// Log file unavailable (dev box, tests); fall back to stderr.
		writer = zerolog.MultiLevelWriter(os.Stderr)
	} else {
		writer = zerolog.MultiLevelWriter(file)
	}

	logger := zerolog.New(writer).Level(level).With().Timestamp().Logger()
	log.Logger = logger

	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
}
