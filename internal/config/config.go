package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds server configuration.
type Config struct {
	// Addr is the listen address for the HTTP(S) server.
	Addr         string
	DatabasePath string
	// RedisURL selects the production pub/sub transport. Empty means the
	// in-process transport (single-server deployments and tests).
	RedisURL string
	// MasterSecret signs staff JWTs and doubles as the privileged websocket
	// credential.
	MasterSecret string
	// GatewayHTTPAddr is the sibling gateway process HTTP address used by the
	// bridge's direct pseudo-commands.
	GatewayHTTPAddr string
	Debug           bool
	AllowedOrigins  []string
	// TLS holds HTTPS configuration. If nil, the server runs in plain HTTP mode.
	TLS *TLSConfig
}

// TLSConfig holds file paths for serving HTTPS directly from the server.
type TLSConfig struct {
	// CertFile is a PEM-encoded certificate chain.
	CertFile string
	// KeyFile is a PEM-encoded private key.
	KeyFile string
}

// Overrides optionally overrides values from environment variables.
//
// A nil pointer means "use the environment/default value".
type Overrides struct {
	Addr            *string
	DatabasePath    *string
	RedisURL        *string
	MasterSecret    *string
	GatewayHTTPAddr *string
	Debug           *bool
	TLS             *TLSConfig
}

// Load loads server configuration from environment variables and applies any
// explicit overrides.
func Load(overrides Overrides) (*Config, error) {
	port := 8000
	if portStr := os.Getenv("PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	addr := fmt.Sprintf(":%d", port)
	if overrides.Addr != nil {
		addr = *overrides.Addr
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./featherlist.db"
	}
	if overrides.DatabasePath != nil {
		dbPath = *overrides.DatabasePath
	}

	redisURL := os.Getenv("REDIS_URL")
	if overrides.RedisURL != nil {
		redisURL = *overrides.RedisURL
	}

	masterSecret := os.Getenv("FEATHERLIST_MASTER_SECRET")
	if overrides.MasterSecret != nil {
		masterSecret = *overrides.MasterSecret
	}
	if masterSecret == "" {
		return nil, fmt.Errorf("FEATHERLIST_MASTER_SECRET environment variable is required")
	}

	gatewayAddr := os.Getenv("GATEWAY_HTTP_ADDR")
	if gatewayAddr == "" {
		gatewayAddr = "http://localhost:1234"
	}
	if overrides.GatewayHTTPAddr != nil {
		gatewayAddr = *overrides.GatewayHTTPAddr
	}

	debug := false
	if debugStr := os.Getenv("DEBUG"); debugStr == "true" || debugStr == "1" {
		debug = true
	}
	if overrides.Debug != nil {
		debug = *overrides.Debug
	}

	return &Config{
		Addr:            addr,
		DatabasePath:    dbPath,
		RedisURL:        redisURL,
		MasterSecret:    masterSecret,
		GatewayHTTPAddr: gatewayAddr,
		Debug:           debug,
		AllowedOrigins:  []string{"*"},
		TLS:             overrides.TLS,
	}, nil
}
