package config

import (
	"crypto/rand"
	"encoding/hex"
	"flag"
	"os"
	"strconv"
	"time"
)

// ServerConfig holds configuration for the wirepullserv binary.
type ServerConfig struct {
	Addr           string
	AuthSecret     string
	DownloadDir    string
	ChunkSize      int
	MaxConcurrent  int
	TriggersPerMin float64
	TriggersBurst  int
	LogLevel       string
}

// AgentConfig holds configuration for the wirepull agent binary.
type AgentConfig struct {
	ServerURL  string
	ClientID   string
	AuthSecret string
	FilePath   string // default source when a request names no file key
	ChunkSize  int
	Heartbeat  time.Duration
	AckTimeout time.Duration
	Reconnect  bool
	LogLevel   string
}

// ParseServerConfig parses server configuration from flags and environment
// variables. Flags take precedence over environment variables.
func ParseServerConfig() ServerConfig {
	return parseServerConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseServerConfigWithFlagSet(fs *flag.FlagSet, args []string) ServerConfig {
	cfg := ServerConfig{
		Addr:           ":8080",
		AuthSecret:     "change_me",
		DownloadDir:    "./downloads",
		ChunkSize:      64 * 1024,
		MaxConcurrent:  5,
		TriggersPerMin: 60,
		TriggersBurst:  10,
		LogLevel:       "info",
	}

	// Environment first.
	if v := os.Getenv("WIREPULL_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("WIREPULL_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("WIREPULL_DOWNLOAD_DIR"); v != "" {
		cfg.DownloadDir = v
	}
	if v := os.Getenv("WIREPULL_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("WIREPULL_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("WIREPULL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	// Flags override environment.
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "listen address")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "shared secret for the websocket handshake and trigger API")
	fs.StringVar(&cfg.DownloadDir, "download-dir", cfg.DownloadDir, "directory for received files")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk size in bytes offered in download requests")
	fs.IntVar(&cfg.MaxConcurrent, "max-concurrent", cfg.MaxConcurrent, "max transfers pending or in flight")
	fs.Float64Var(&cfg.TriggersPerMin, "triggers-per-min", cfg.TriggersPerMin, "max download triggers per minute per IP")
	fs.IntVar(&cfg.TriggersBurst, "triggers-burst", cfg.TriggersBurst, "burst download triggers per IP")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// ParseAgentConfig parses agent configuration from flags and environment
// variables. Flags take precedence over environment variables.
func ParseAgentConfig() AgentConfig {
	return parseAgentConfigWithFlagSet(flag.CommandLine, os.Args[1:])
}

func parseAgentConfigWithFlagSet(fs *flag.FlagSet, args []string) AgentConfig {
	cfg := AgentConfig{
		ServerURL:  "http://localhost:8080",
		ClientID:   "client-" + randomID(),
		AuthSecret: "change_me",
		FilePath:   "./samplefile.bin",
		ChunkSize:  64 * 1024,
		Heartbeat:  30 * time.Second,
		AckTimeout: 30 * time.Second,
		Reconnect:  true,
		LogLevel:   "info",
	}

	if v := os.Getenv("WIREPULL_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("WIREPULL_CLIENT_ID"); v != "" {
		cfg.ClientID = v
	}
	if v := os.Getenv("WIREPULL_AUTH_SECRET"); v != "" {
		cfg.AuthSecret = v
	}
	if v := os.Getenv("WIREPULL_FILE_PATH"); v != "" {
		cfg.FilePath = v
	}
	if v := os.Getenv("WIREPULL_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ChunkSize = n
		}
	}
	if v := os.Getenv("WIREPULL_HEARTBEAT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Heartbeat = d
		}
	}
	if v := os.Getenv("WIREPULL_ACK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AckTimeout = d
		}
	}
	if v := os.Getenv("WIREPULL_RECONNECT"); v != "" {
		cfg.Reconnect = v != "false"
	}
	if v := os.Getenv("WIREPULL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "server base URL")
	fs.StringVar(&cfg.ClientID, "client-id", cfg.ClientID, "client identifier")
	fs.StringVar(&cfg.AuthSecret, "auth-secret", cfg.AuthSecret, "shared secret for the websocket handshake")
	fs.StringVar(&cfg.FilePath, "file-path", cfg.FilePath, "default source file for download requests")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "default chunk size in bytes")
	fs.DurationVar(&cfg.Heartbeat, "heartbeat", cfg.Heartbeat, "heartbeat interval")
	fs.DurationVar(&cfg.AckTimeout, "ack-timeout", cfg.AckTimeout, "how long a finished upload waits for the server's acknowledgment")
	fs.BoolVar(&cfg.Reconnect, "reconnect", cfg.Reconnect, "reconnect with backoff after an unexpected disconnect")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.Parse(args)

	return cfg
}

// randomID generates a random 10-character hex string.
func randomID() string {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "0000000000"
	}
	return hex.EncodeToString(b)
}
