package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	offlineagent "github.com/ericselin/offline-agent"
	"github.com/ericselin/offline-agent/cache"
	"github.com/ericselin/offline-agent/hub"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for an in-memory cache)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	agentConfig := offlineagent.Config{
		Logger: &log.Logger,
	}
	port := portFlag
	origin := originFlag

	if configFilenameFlag != "" {
		config, err := getConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not read config file")
		}
		if origin == "" {
			origin = config.Origin
		}
		if config.Port > 0 {
			port = config.Port
		}
		agentConfig.GenericStoreName = config.Stores.Generic
		agentConfig.StaticStoreName = config.Stores.Static
		agentConfig.StaticFiles = config.StaticFiles
		agentConfig.NoCachePaths = config.NoCachePaths
	}

	if origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}
	agentConfig.OriginURL = *originURL

	// set up storage
	if dbFilenameFlag == "memory" {
		agentConfig.Storage = cache.NewMemStorage()
	} else {
		storage, err := cache.NewSQLiteStorage(dbFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not open cache db")
		}
		agentConfig.Storage = storage
	}

	agentConfig.Hub = hub.New()

	agent := offlineagent.New(agentConfig)

	// install and activate in the background, serving starts right away
	go func() {
		if err := agent.Lifecycle().Run(context.Background()); err != nil {
			log.Error().Err(err).Msg("Install failed")
		}
	}()

	router := chi.NewRouter()
	router.Mount("/_agent", agent.ControlHandler())
	router.Handle("/*", agent)

	log.Info().Msgf("Proxying port %v to %s", port, originURL.String())
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		panic(err)
	}
}
