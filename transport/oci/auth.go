package oci

import (
	"context"
	"fmt"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
)

// TokenCredential converts an observation-tools token into a registry
// credential. A token of the form "user:password" becomes basic credentials;
// anything else is sent as a registry access token.
func TokenCredential(token string) auth.Credential {
	token = strings.TrimSpace(token)
	if token == "" {
		return auth.EmptyCredential
	}
	if user, pass, ok := strings.Cut(token, ":"); ok && user != "" {
		return auth.Credential{Username: user, Password: pass}
	}
	return auth.Credential{AccessToken: token}
}

// credential resolves credentials for hostport. Only the repository's own
// registry is given credentials. An explicit token wins over the credential
// store.
func (s *Sender) credential(ctx context.Context, hostport string) (auth.Credential, error) {
	if s.anonymous || hostport != s.registryHost {
		return auth.EmptyCredential, nil
	}
	if s.cred != auth.EmptyCredential {
		return s.cred, nil
	}
	if s.credStore == nil {
		return auth.EmptyCredential, nil
	}
	cred, err := s.credStore.Get(ctx, hostport)
	if err != nil {
		return auth.EmptyCredential, fmt.Errorf("oci: read credentials for %s: %w", hostport, err)
	}
	return cred, nil
}
