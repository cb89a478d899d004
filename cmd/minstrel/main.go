package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	minstrel "github.com/lostriver/minstrel/internal"
	"github.com/rs/zerolog"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	_ = godotenv.Load()

	configurationPath := flag.String("configuration", "minstrel.yaml", "Path of configuration file")
	loggingLevel := flag.String("level", "", "Global logging level, overrides the configuration")

	flag.Parse()

	configuration, err := minstrel.LoadConfiguration(*configurationPath)
	if err != nil {
		println(err.Error())
		os.Exit(1)
	}

	if *loggingLevel == "" {
		*loggingLevel = configuration.Logging.Level
	}

	level, err := zerolog.ParseLevel(*loggingLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	var writer io.Writer = os.Stdout

	if !configuration.Logging.EncodeAsJSON {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Stamp,
		}
	}

	if configuration.Logging.FileLoggingEnabled {
		fileWriter := &lumberjack.Logger{
			Filename:   filepath.Join(configuration.Logging.Directory, configuration.Logging.Filename),
			MaxSize:    configuration.Logging.MaxSize,
			MaxBackups: configuration.Logging.MaxBackups,
			MaxAge:     configuration.Logging.MaxAge,
			Compress:   configuration.Logging.Compress,
		}

		writer = io.MultiWriter(writer, fileWriter)
	}

	m := minstrel.NewMinstrel(writer, configuration)

	if err = m.Open(context.Background()); err != nil {
		m.Logger.Error().Err(err).Msg("Failed to open minstrel")
		os.Exit(1)
	}

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)

	select {
	case <-sc:
	case err = <-m.Fatal():
		m.Logger.Error().Err(err).Msg("Minstrel failed fatally")
	}

	m.Close()
}
