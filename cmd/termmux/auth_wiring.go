package main

import (
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/tnumfive/termmux/internal/auth"
	"github.com/tnumfive/termmux/internal/config"
	"github.com/tnumfive/termmux/internal/hub"
	"github.com/tnumfive/termmux/internal/rtclient"
)

func jwtAuthFunc(cfg *config.Config) (hub.AuthFunc, error) {
	verifier := &auth.Verifier{Secret: []byte(cfg.Hub.JWTSecret)}
	return verifier.VerifyLogin, nil
}

// buildClientAuthFunc returns the login-object producer this binary's
// own internal clients (the exchange adapter, the echo client) must
// use to satisfy whichever auth_fn the hub above was just configured
// to require — the two sides of the same auth_mode setting.
func buildClientAuthFunc(cfg *config.Config) (rtclient.AuthFunc, error) {
	switch cfg.Hub.AuthMode {
	case config.AuthNone, "":
		return func(uid string) (any, error) { return map[string]string{}, nil }, nil
	case config.AuthJWT:
		issuer := &auth.Issuer{Secret: []byte(cfg.Hub.JWTSecret), Issuer: "termmux"}
		return issuer.LoginObject, nil
	case config.AuthOAuth2:
		ccCfg := &clientcredentials.Config{
			ClientID:     cfg.OAuth2.ClientID,
			ClientSecret: cfg.OAuth2.ClientSecret,
			TokenURL:     cfg.OAuth2.TokenURL,
		}
		return auth.ClientCredentialsLoginObject(ccCfg), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Hub.AuthMode)
	}
}
