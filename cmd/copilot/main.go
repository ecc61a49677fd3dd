package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mdinu-hash/analytics-copilot/common/environment"
	"github.com/mdinu-hash/analytics-copilot/common/version"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/app"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/gateway"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/llm"
	"github.com/mdinu-hash/analytics-copilot/internal/copilot/queryengine"
)

func main() {
	// Configure structured logging.
	logLevel := slog.LevelInfo
	if environment.BoolOr("LOG_DEBUG", false) {
		logLevel = slog.LevelDebug
	}
	var logHandler slog.Handler
	if environment.StringOr("LOG_FORMAT", "") == "json" {
		logHandler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	} else {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})
	}
	slog.SetDefault(slog.New(logHandler))

	slog.Info("analytics copilot", "version", version.Info())

	config, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	copilot, err := app.New(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize copilot: %v\n", err)
		os.Exit(1)
	}
	defer copilot.Stop()

	if err := copilot.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running copilot: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig builds the application configuration from the environment.
func loadConfig() (*app.Config, error) {
	schemaPath, err := environment.RequiredString("SCHEMA_PATH")
	if err != nil {
		return nil, err
	}
	apiKey, err := environment.RequiredString("LLM_API_KEY")
	if err != nil {
		return nil, err
	}
	genieURL, err := environment.RequiredString("GENIE_BASE_URL")
	if err != nil {
		return nil, err
	}
	genieToken, err := environment.RequiredString("GENIE_TOKEN")
	if err != nil {
		return nil, err
	}
	genieSpace, err := environment.RequiredString("GENIE_SPACE_ID")
	if err != nil {
		return nil, err
	}

	config := &app.Config{
		DatabasePath: environment.StringOr("DATABASE_PATH", "./copilot.db"),
		SchemaPath:   schemaPath,
		LLM: llm.Config{
			APIKey:  apiKey,
			BaseURL: environment.StringOr("LLM_BASE_URL", ""),
			Model:   environment.StringOr("LLM_MODEL", ""),
			Timeout: environment.DurationOr("LLM_TIMEOUT", 0),
		},
		Genie: queryengine.GenieConfig{
			BaseURL:      genieURL,
			Token:        genieToken,
			SpaceID:      genieSpace,
			Timeout:      environment.DurationOr("GENIE_TIMEOUT", 0),
			PollInterval: environment.DurationOr("GENIE_POLL_INTERVAL", 0),
		},
		HTTPAddr:  environment.StringOr("HTTP_ADDR", ":8080"),
		RateLimit: environment.IntOr("RATE_LIMIT", 0),
	}

	// The Matrix gateway is enabled only when a homeserver is set.
	if homeserver := environment.StringOr("MATRIX_HOMESERVER", ""); homeserver != "" {
		userID, err := environment.RequiredString("MATRIX_USER_ID")
		if err != nil {
			return nil, err
		}
		accessToken, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
		if err != nil {
			return nil, err
		}
		rooms := environment.StringSliceOr("MATRIX_ROOMS", nil)
		if len(rooms) == 0 {
			return nil, fmt.Errorf("MATRIX_ROOMS is required when MATRIX_HOMESERVER is set")
		}
		config.Matrix = &gateway.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: accessToken,
			Rooms:       rooms,
			TurnTimeout: environment.DurationOr("MATRIX_TURN_TIMEOUT", 2*time.Minute),
		}
	}

	return config, nil
}
