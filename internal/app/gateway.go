package app

import (
	"fmt"
	"strings"

	"github.com/ent0n29/consultant/internal/config"
	"github.com/ent0n29/consultant/internal/reliability"
	"github.com/ent0n29/consultant/internal/verdict"
)

type gatewaySetup struct {
	gateway verdict.Gateway
	mode    string
	detail  string
}

func resolveGateway(cfg config.Config) (gatewaySetup, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.GatewayMode))
	if mode == "" {
		mode = "auto"
	}
	hasKey := strings.TrimSpace(cfg.OpenAIAPIKey) != ""
	hasURL := strings.TrimSpace(cfg.GatewayHTTPURL) != ""

	gw, err := verdict.New(verdict.Config{
		Mode:          mode,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
		OpenAIModel:   cfg.OpenAIModel,
		HTTPURL:       cfg.GatewayHTTPURL,
		Timeout:       cfg.GatewayTimeout,
		Retry:         retryPolicy(cfg),
	})
	if err != nil {
		return gatewaySetup{}, fmt.Errorf("verdict gateway init failed: %w", err)
	}

	resolved := mode
	detail := ""
	if mode == "auto" {
		switch {
		case hasKey && hasURL:
			resolved = "openai"
			detail = "falls back to " + cfg.GatewayHTTPURL
		case hasKey:
			resolved = "openai"
		case hasURL:
			resolved = "http"
			detail = cfg.GatewayHTTPURL
		default:
			resolved = "mock"
			detail = "no OPENAI_API_KEY or GATEWAY_HTTP_URL set"
		}
	}
	return gatewaySetup{gateway: gw, mode: resolved, detail: detail}, nil
}

func retryPolicy(cfg config.Config) reliability.RetryPolicy {
	return reliability.RetryPolicy{
		Attempts: cfg.StoreRetryAttempts,
		Base:     cfg.StoreRetryBase,
		Cap:      cfg.StoreRetryCap,
	}
}
