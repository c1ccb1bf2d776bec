// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package graph rotates Azure AD application secrets through Microsoft Graph.
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/google/uuid"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	azauth "github.com/microsoft/kiota-authentication-azure-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/applications"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/rotation"
)

const (
	// DefaultBaseURL is the Microsoft Graph v1.0 endpoint.
	DefaultBaseURL = "https://graph.microsoft.com/v1.0"
	// Scope requests application permissions granted to the rotation identity.
	Scope = "https://graph.microsoft.com/.default"
	// DefaultSecretLifetime outlives a default rotation period plus grace.
	DefaultSecretLifetime = 120 * 24 * time.Hour
)

// ErrApplicationNotFound is returned when no application has the client id.
var ErrApplicationNotFound = errors.New("application not found")

// CredentialConfig selects how the rotation identity authenticates to Azure AD.
type CredentialConfig struct {
	TenantID           string `yaml:"tenant_id"`
	ClientID           string `yaml:"client_id"`
	ClientSecret       string `yaml:"client_secret"`
	UseManagedIdentity bool   `yaml:"use_managed_identity"`
	UserAssignedID     string `yaml:"user_assigned_id"`
}

// NewCredential builds an azidentity credential. Without explicit settings it
// falls back to DefaultAzureCredential.
func NewCredential(cfg CredentialConfig) (azcore.TokenCredential, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)

	switch {
	case cfg.UseManagedIdentity && cfg.UserAssignedID != "":
		cred, err = azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.UserAssignedID),
		})
	case cfg.UseManagedIdentity:
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	case cfg.ClientSecret != "":
		if cfg.TenantID == "" || cfg.ClientID == "" {
			return nil, errors.New("tenant_id and client_id are required for client secret authentication")
		}
		cred, err = azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	default:
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure credential: %w", err)
	}
	return cred, nil
}

// NewRequestAdapter builds a Graph request adapter authenticated with cred.
// An empty baseURL keeps the public cloud endpoint. For other endpoints the
// token scope follows the endpoint host.
func NewRequestAdapter(cred azcore.TokenCredential, baseURL string) (abstractions.RequestAdapter, error) {
	if cred == nil {
		return nil, errors.New("azure credential is required")
	}

	scope := Scope
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL != "" && baseURL != DefaultBaseURL {
		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid graph base URL %q", baseURL)
		}
		scope = u.Scheme + "://" + u.Host + "/.default"
	}

	auth, err := azauth.NewAzureIdentityAuthenticationProviderWithScopes(cred, []string{scope})
	if err != nil {
		return nil, fmt.Errorf("failed to create graph authentication provider: %w", err)
	}
	adapter, err := msgraphsdk.NewGraphRequestAdapter(auth)
	if err != nil {
		return nil, fmt.Errorf("failed to create graph request adapter: %w", err)
	}
	if baseURL != "" {
		adapter.SetBaseUrl(baseURL)
	}
	return adapter, nil
}

// Issuer implements rotation.CredentialIssuer for Azure AD app registrations.
// Client ids are application (client) ids.
type Issuer struct {
	client         *msgraphsdk.GraphServiceClient
	secretLifetime time.Duration
	now            func() time.Time
	logger         *slog.Logger
}

var _ rotation.CredentialIssuer = (*Issuer)(nil)

// Option configures an Issuer.
type Option func(*Issuer)

// WithSecretLifetime sets how long new secrets stay valid.
func WithSecretLifetime(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.secretLifetime = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// New creates an Issuer on top of a Graph request adapter.
func New(adapter abstractions.RequestAdapter, opts ...Option) (*Issuer, error) {
	if adapter == nil {
		return nil, errors.New("graph request adapter is required")
	}

	i := &Issuer{
		client:         msgraphsdk.NewGraphServiceClient(adapter),
		secretLifetime: DefaultSecretLifetime,
		now:            time.Now,
		logger:         logger.With("graph"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Describe returns the application's display name and current key ids.
func (i *Issuer) Describe(ctx context.Context, clientID string) (*rotation.ClientMetadata, error) {
	app, err := i.application(ctx, clientID)
	if err != nil {
		return nil, err
	}

	meta := &rotation.ClientMetadata{
		ClientID: deref(app.GetAppId()),
		Name:     deref(app.GetDisplayName()),
	}
	for _, p := range app.GetPasswordCredentials() {
		if id := p.GetKeyId(); id != nil {
			meta.KeyIDs = append(meta.KeyIDs, id.String())
		}
	}
	return meta, nil
}

// RegenerateSecret adds a new password to the application and then removes
// every password that existed before. Failure to remove an old password is
// logged; the new secret is still returned.
func (i *Issuer) RegenerateSecret(ctx context.Context, clientID string) (string, error) {
	app, err := i.application(ctx, clientID)
	if err != nil {
		return "", err
	}
	item := i.client.Applications().ByApplicationId(*app.GetId())

	now := i.now().UTC()
	end := now.Add(i.secretLifetime)
	cred := models.NewPasswordCredential()
	cred.SetDisplayName(to.Ptr("m2mgate rotation " + now.Format(time.DateOnly)))
	cred.SetEndDateTime(&end)
	body := applications.NewItemAddPasswordPostRequestBody()
	body.SetPasswordCredential(cred)

	added, err := item.AddPassword().Post(ctx, body, nil)
	if err != nil {
		return "", fmt.Errorf("failed to add password for %s: %w", clientID, graphError(err))
	}
	if added == nil || deref(added.GetSecretText()) == "" {
		return "", fmt.Errorf("graph returned no secret for %s", clientID)
	}
	newKey := added.GetKeyId()

	for _, old := range app.GetPasswordCredentials() {
		keyID := old.GetKeyId()
		if keyID == nil || (newKey != nil && *keyID == *newKey) {
			continue
		}
		remove := applications.NewItemRemovePasswordPostRequestBody()
		remove.SetKeyId(keyID)
		if err := item.RemovePassword().Post(ctx, remove, nil); err != nil {
			i.logger.Warn("failed to remove previous password",
				"client_id", clientID, "key_id", keyID.String(), "error", graphError(err))
		}
	}

	i.logger.Info("added application password", "client_id", clientID, "key_id", keyString(newKey))
	return *added.GetSecretText(), nil
}

func (i *Issuer) application(ctx context.Context, clientID string) (models.Applicationable, error) {
	filter := "appId eq '" + strings.ReplaceAll(clientID, "'", "''") + "'"
	resp, err := i.client.Applications().Get(ctx, &applications.ApplicationsRequestBuilderGetRequestConfiguration{
		QueryParameters: &applications.ApplicationsRequestBuilderGetQueryParameters{
			Filter: &filter,
			Select: []string{"id", "appId", "displayName", "passwordCredentials"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read application %s: %w", clientID, graphError(err))
	}

	for _, app := range resp.GetValue() {
		if app.GetId() != nil {
			return app, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrApplicationNotFound, clientID)
}

// graphError prefixes OData errors with their code and message.
func graphError(err error) error {
	var odataErr *odataerrors.ODataError
	if !errors.As(err, &odataErr) {
		return err
	}
	main := odataErr.GetErrorEscaped()
	if main == nil {
		return err
	}
	return fmt.Errorf("%s: %s: %w", deref(main.GetCode()), deref(main.GetMessage()), err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func keyString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
