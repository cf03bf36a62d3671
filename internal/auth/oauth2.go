package auth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/tnumfive/termmux/internal/rtclient"
)

// ClientCredentialsLoginObject returns an rtclient.AuthFunc that mints
// its login object from an OAuth2 client-credentials grant rather
// than a locally-signed JWT: the identity provider named by cfg
// issues the bearer token, following the teacher's provider-config
// pattern (adapter/oauth.go's per-provider oauth2.Config) adapted from
// an authorization-code flow to client-credentials, since this is a
// service-to-service login rather than an interactive one.
//
// The identity provider is assumed to mint JWT access tokens, so the
// hub side verifies them with the same Verifier used for the
// locally-signed variant.
func ClientCredentialsLoginObject(cfg *clientcredentials.Config) rtclient.AuthFunc {
	return func(uid string) (any, error) {
		token, err := cfg.Token(context.Background())
		if err != nil {
			return nil, fmt.Errorf("auth: fetch client-credentials token: %w", err)
		}
		return map[string]string{"token": token.AccessToken}, nil
	}
}
