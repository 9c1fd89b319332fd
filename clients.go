package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/tusup/internal/config"
	"github.com/tonimelisma/tusup/internal/tus"
	"github.com/tonimelisma/tusup/internal/uploadops"
)

// newHTTPClient returns a client for tus traffic. There is no overall
// request timeout because a PATCH streams a whole request window; the
// connect and response-header timeouts bound stalls instead.
func newHTTPClient(cfg *config.Resolved) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.ConnectTimeout,
	}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.DataTimeout

	return &http.Client{Transport: transport}
}

// newTusClient builds a tus.Client from the resolved config. endpoint
// overrides the configured creation URL when non-empty. store may be nil.
func newTusClient(cc *CLIContext, endpoint string, store tus.URLStore) (*tus.Client, error) {
	if endpoint == "" {
		endpoint = cc.Cfg.Endpoint
	}

	if endpoint == "" {
		return nil, fmt.Errorf("no endpoint configured: set endpoint in the config file, %s, or --endpoint",
			config.EnvEndpoint)
	}

	var preparer tus.Preparer
	if cc.Cfg.Token != "" {
		preparer = tus.BearerPreparer{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cc.Cfg.Token, TokenType: "Bearer"}),
		}
	}

	return tus.NewClient(tus.ClientConfig{
		Endpoint:                   endpoint,
		HTTPClient:                 newHTTPClient(cc.Cfg),
		Headers:                    cc.Cfg.Headers,
		UserAgent:                  cc.Cfg.UserAgent,
		Preparer:                   preparer,
		Store:                      store,
		Cipher:                     tus.Algorithm(cc.Cfg.Cipher),
		MaxRetries:                 cc.Cfg.MaxRetries,
		Logger:                     cc.Logger,
		RemoveFingerprintOnSuccess: cc.Cfg.RemoveFingerprintOnSuccess,
		OverridePatchMethod:        cc.Cfg.OverridePatchMethod,
	})
}

// openStore opens the upload URL store in the configured data directory,
// creating the directory if needed.
func openStore(ctx context.Context, cc *CLIContext) (*uploadops.SQLiteStore, error) {
	if err := os.MkdirAll(cc.Cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", cc.Cfg.DataDir, err)
	}

	return uploadops.NewStore(ctx, cc.Cfg.StorePath(), cc.Logger)
}
