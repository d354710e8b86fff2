package core

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/ParleSec/FlowGlass/internal/crypto"
	"github.com/ParleSec/FlowGlass/internal/lookingglass"
	"github.com/ParleSec/FlowGlass/internal/mockidp"
	"github.com/ParleSec/FlowGlass/internal/tokenval"
)

// BootstrapResult holds the initialized shared dependencies.
type BootstrapResult struct {
	Config       *Config
	Logger       zerolog.Logger
	KeySet       *crypto.KeySet
	MockIdP      *mockidp.Provider
	LookingGlass *lookingglass.Engine
	Resolver     *crypto.Resolver
	Engine       *tokenval.Engine
}

// Bootstrap loads config and wires the shared dependencies together.
func Bootstrap() (*BootstrapResult, error) {
	cfg := LoadConfig()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if cfg.Debug {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
	if cfg.IsDevelopment() {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	keySet, err := crypto.NewKeySet()
	if err != nil {
		return nil, fmt.Errorf("initializing key set: %w", err)
	}
	logger.Info().Msg("signing keys initialized")

	var idp *mockidp.Provider
	if cfg.MockIdPEnabled {
		idp = mockidp.NewProvider(keySet, cfg.BaseURL+"/idp")
		logger.Info().Str("issuer", idp.Issuer()).Msg("demo identity provider initialized")
	}

	resolver := crypto.NewResolver(cfg.JWKSCacheTTL, logger)

	engine := tokenval.NewEngine(resolver, logger)
	engine.SetClockSkew(cfg.ClockSkew)

	return &BootstrapResult{
		Config:       cfg,
		Logger:       logger,
		KeySet:       keySet,
		MockIdP:      idp,
		LookingGlass: lookingglass.NewEngine(logger),
		Resolver:     resolver,
		Engine:       engine,
	}, nil
}
