// Package auth mints Azure AD service-principal tokens used as a SASL
// bearer credential when the downstream container requires AAD
// authentication instead of anonymous SASL (e.g. Azure Service Bus or
// Event Hubs speaking AMQP 1.0).
//
// Authentication itself is delegated per spec.md §1 ("authentication
// (delegated)"); this package only produces the token an embedding
// ConnectionFactory hands to the transport's SASL layer, the same way
// azure-service-bus-go's Namespace.negotiateClaim does for its own
// connections.
package auth

import (
	"github.com/Azure/go-autorest/autorest/adal"
)

// ServicePrincipal identifies the AAD application used to authenticate
// against the downstream container.
type ServicePrincipal struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Resource     string
	ADEndpoint   string
}

// TokenProvider mints and refreshes bearer tokens for a ServicePrincipal.
type TokenProvider struct {
	token *adal.ServicePrincipalToken
}

// NewTokenProvider builds a TokenProvider backed by the OAuth client
// credentials flow.
func NewTokenProvider(sp ServicePrincipal) (*TokenProvider, error) {
	oauthConfig, err := adal.NewOAuthConfig(sp.ADEndpoint, sp.TenantID)
	if err != nil {
		return nil, err
	}
	spt, err := adal.NewServicePrincipalToken(*oauthConfig, sp.ClientID, sp.ClientSecret, sp.Resource)
	if err != nil {
		return nil, err
	}
	return &TokenProvider{token: spt}, nil
}

// Token returns a current bearer token, refreshing it first if it has
// expired.
func (p *TokenProvider) Token() (string, error) {
	if p.token.Token().Expired() {
		if err := p.token.Refresh(); err != nil {
			return "", err
		}
	}
	return p.token.OAuthToken(), nil
}
