package oci

import (
	"net/http"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Sender.
type Option func(*Sender)

// WithToken authenticates to the repository's registry with the client token.
// See [TokenCredential] for how the token is interpreted. An empty token is
// ignored.
func WithToken(token string) Option {
	return func(s *Sender) {
		s.cred = TokenCredential(token)
	}
}

// WithBasicAuth authenticates to the repository's registry with a username
// and password.
func WithBasicAuth(username, password string) Option {
	return func(s *Sender) {
		s.cred = auth.Credential{Username: username, Password: password}
	}
}

// WithCredentialStore looks up credentials in store when no token is set.
func WithCredentialStore(store credentials.Store) Option {
	return func(s *Sender) {
		s.credStore = store
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json and its
// credential helpers when no token is set. If the config cannot be loaded
// the sender falls back to no credentials.
func WithDockerConfig() Option {
	return func(s *Sender) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		s.credStore = store
	}
}

// WithPlainHTTP talks to the registry without TLS.
func WithPlainHTTP(enabled bool) Option {
	return func(s *Sender) {
		s.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication.
func WithAnonymous() Option {
	return func(s *Sender) {
		s.anonymous = true
	}
}

// WithHTTPClient sets the HTTP client used for registry requests.
//
// The client should not retry on its own; failed sends are retried by the
// upload queue, which counts every attempt.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Sender) {
		if client != nil {
			s.httpClient = client
		}
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(s *Sender) {
		s.userAgent = ua
	}
}
