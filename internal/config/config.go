// Package config loads engine configuration from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds everything the engine needs to talk to the ledger, the escrow
// wallet, and the OAuth token endpoint.
type Config struct {
	Port string

	// Ledger JSON API.
	LedgerBaseURL  string
	LedgerUserID   string
	LedgerAudience string

	// Escrow wallet (validator) API.
	EscrowBaseURL  string
	EscrowAudience string

	// OAuth client-credentials exchange.
	TokenURL     string
	ClientID     string
	ClientSecret string

	// Template packages. Lending templates are {LendingPackageID}:{module}:{entity};
	// native-coin templates are {AmuletPackageID}:Splice.Amulet:{entity}.
	LendingPackageID string
	AmuletPackageID  string

	// Platform custodian party (raw ID, validated at startup).
	CustodianParty string

	// Offer defaults applied when a caller omits them.
	DefaultLTVRatio decimal.Decimal
	DefaultCCPrice  decimal.Decimal

	// Optional backends.
	DatabaseURL string
	RedisURL    string
}

// Load reads configuration from the environment. A .env file is loaded first
// if present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "err", err)
	}

	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		LedgerBaseURL:    os.Getenv("LEDGER_API_URL"),
		LedgerUserID:     getEnv("LEDGER_USER_ID", "ledger-engine"),
		LedgerAudience:   os.Getenv("LEDGER_AUDIENCE"),
		EscrowBaseURL:    os.Getenv("ESCROW_API_URL"),
		EscrowAudience:   os.Getenv("ESCROW_AUDIENCE"),
		TokenURL:         os.Getenv("OAUTH_TOKEN_URL"),
		ClientID:         os.Getenv("OAUTH_CLIENT_ID"),
		ClientSecret:     os.Getenv("OAUTH_CLIENT_SECRET"),
		LendingPackageID: os.Getenv("LENDING_PACKAGE_ID"),
		AmuletPackageID:  os.Getenv("AMULET_PACKAGE_ID"),
		CustodianParty:   os.Getenv("CUSTODIAN_PARTY"),
		DefaultLTVRatio:  getDecimalEnv("DEFAULT_LTV_RATIO", "0.5"),
		DefaultCCPrice:   getDecimalEnv("DEFAULT_CC_PRICE", "1.0"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
	}

	for name, v := range map[string]string{
		"LEDGER_API_URL":     cfg.LedgerBaseURL,
		"ESCROW_API_URL":     cfg.EscrowBaseURL,
		"OAUTH_TOKEN_URL":    cfg.TokenURL,
		"LENDING_PACKAGE_ID": cfg.LendingPackageID,
		"AMULET_PACKAGE_ID":  cfg.AmuletPackageID,
		"CUSTODIAN_PARTY":    cfg.CustodianParty,
	} {
		if v == "" {
			return nil, fmt.Errorf("config: %s is required", name)
		}
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return defaultVal
}

func getDecimalEnv(key, defaultVal string) decimal.Decimal {
	raw := getEnv(key, defaultVal)
	d, err := decimal.NewFromString(raw)
	if err != nil {
		d, _ = decimal.NewFromString(defaultVal)
	}
	return d
}
