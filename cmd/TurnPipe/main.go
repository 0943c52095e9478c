package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/TurnPipe/internal/api"
	"github.com/BTreeMap/TurnPipe/internal/genai"
	"github.com/BTreeMap/TurnPipe/internal/lockfile"
	"github.com/BTreeMap/TurnPipe/internal/store"
	"github.com/BTreeMap/TurnPipe/internal/util"
	"github.com/BTreeMap/TurnPipe/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for TurnPipe state data
	DefaultStateDir = "/var/lib/turnpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "turnpipe.db"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	// Two processes sharing a state directory would corrupt the WhatsApp
	// session database and the SQLite store.
	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to acquire state directory lock", "error", err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	defer lock.Release()

	waOpts := buildWhatsAppOptions(flags)
	storeOpts := buildStoreOptions(flags)
	genaiOpts := buildGenAIOptions(flags)
	apiOpts := buildAPIOptions(flags)

	slog.Info("Bootstrapping TurnPipe with configured modules")
	slog.Debug("Module options counts", "whatsapp", len(waOpts), "store", len(storeOpts), "genai", len(genaiOpts), "api", len(apiOpts))
	if err := api.Run(waOpts, storeOpts, genaiOpts, apiOpts); err != nil {
		slog.Error("TurnPipe failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("TurnPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL    string
	StateDir       string
	OpenAIKey      string
	OpenAIModel    string
	APIAddr        string
	RedisURL       string
	Channel        string
	AttemptCeiling int
	Debug          bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput       *string
	numeric        *bool
	stateDir       *string
	dbDSN          *string
	openaiKey      *string
	openaiModel    *string
	apiAddr        *string
	redisURL       *string
	channel        *string
	attemptCeiling *int
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("TURNPIPE_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StateDir:       os.Getenv("TURNPIPE_STATE_DIR"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		APIAddr:        os.Getenv("API_ADDR"),
		RedisURL:       os.Getenv("REDIS_URL"),
		Channel:        os.Getenv("TURNPIPE_CHANNEL"),
		AttemptCeiling: util.ParseIntEnv("TURNPIPE_ATTEMPT_CEILING", 0),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No TURNPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// Without a database URL, default to SQLite in the state directory.
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"TURNPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"REDIS_URL_SET", config.RedisURL != "",
		"TURNPIPE_CHANNEL", config.Channel)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:       flag.String("qr-output", "", "path to write login QR code"),
		numeric:        flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:       flag.String("state-dir", config.StateDir, "state directory for TurnPipe data (overrides $TURNPIPE_STATE_DIR)"),
		dbDSN:          flag.String("db-dsn", config.DatabaseURL, "database DSN for durable records (overrides $DATABASE_URL)"),
		openaiKey:      flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:    flag.String("openai-model", config.OpenAIModel, "OpenAI model for classification (overrides $OPENAI_MODEL)"),
		apiAddr:        flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		redisURL:       flag.String("redis-url", config.RedisURL, "Redis URL for conversation state (overrides $REDIS_URL)"),
		channel:        flag.String("channel", config.Channel, "messaging channel, whatsapp or twilio (overrides $TURNPIPE_CHANNEL)"),
		attemptCeiling: flag.Int("attempt-ceiling", config.AttemptCeiling, "qualification attempt ceiling (overrides $TURNPIPE_ATTEMPT_CEILING)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"redisURL_set", *flags.redisURL != "",
		"channel", *flags.channel)

	// Move the default SQLite path along when only the state dir changed.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if !strings.Contains(*flags.dbDSN, "postgres://") && !strings.Contains(*flags.dbDSN, "host=") {
		stateDir := filepath.Dir(*flags.dbDSN)
		slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
		if err := os.MkdirAll(stateDir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
			return err
		}
	}
	return nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.dbDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		storeOpts = append(storeOpts, store.WithDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs classifier configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.redisURL != "" {
		apiOpts = append(apiOpts, api.WithRedisURL(*flags.redisURL))
	}
	if *flags.channel != "" {
		apiOpts = append(apiOpts, api.WithChannel(*flags.channel))
	}
	if *flags.attemptCeiling > 0 {
		apiOpts = append(apiOpts, api.WithAttemptCeiling(*flags.attemptCeiling))
	}
	return apiOpts
}
