// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	awseventbridge "github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"

	"github.com/stacklok/m2mgate/pkg/auth"
	"github.com/stacklok/m2mgate/pkg/auth/jwks"
	"github.com/stacklok/m2mgate/pkg/authz"
	"github.com/stacklok/m2mgate/pkg/config"
	"github.com/stacklok/m2mgate/pkg/logger"
	"github.com/stacklok/m2mgate/pkg/networking"
	"github.com/stacklok/m2mgate/pkg/rotation"
	"github.com/stacklok/m2mgate/pkg/rotation/issuer/cognito"
	"github.com/stacklok/m2mgate/pkg/rotation/issuer/graph"
	"github.com/stacklok/m2mgate/pkg/rotation/notify"
	"github.com/stacklok/m2mgate/pkg/rotation/store"
	"github.com/stacklok/m2mgate/pkg/rotation/triggers/eventbridge"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"), &env.OSReader{})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// authorizer bundles the engine with the validator it wraps.
type authorizer struct {
	engine    *authz.Engine
	validator *auth.Validator
	provider  auth.ProviderConfig
}

// newAuthorizer builds the key cache, validator and engine. When the key set
// URL is not configured it is discovered from the issuer once at startup.
func newAuthorizer(ctx context.Context, cfg *config.Config) (*authorizer, error) {
	client, err := networking.NewHttpClientBuilder().Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client: %w", err)
	}

	provider := cfg.ProviderConfig()
	if cfg.NeedsDiscovery() {
		jwksURL, err := auth.DiscoverJWKSURL(ctx, client, provider.Issuer)
		if err != nil {
			return nil, err
		}
		logger.Infow("discovered key set URL", "issuer", provider.Issuer, "jwks_url", jwksURL)
		provider.JWKSURL = jwksURL
	}

	cache, err := jwks.New(jwks.StaticLocator{provider.Issuer: provider.JWKSURL}, cfg.JWKS, jwks.WithHTTPClient(client))
	if err != nil {
		return nil, fmt.Errorf("failed to create key cache: %w", err)
	}
	validator := auth.NewValidator(cache)

	builder, err := authz.NewPolicyBuilder(authz.ScopeMode(cfg.Authz.ScopeMode))
	if err != nil {
		return nil, err
	}

	opts := []authz.EngineOption{authz.WithTimeout(cfg.Authz.Timeout)}
	if cedarOpts := cfg.CedarOptions(); cedarOpts != nil {
		gate, err := authz.NewCedarGate(*cedarOpts)
		if err != nil {
			return nil, fmt.Errorf("failed to load cedar policies: %w", err)
		}
		opts = append(opts, authz.WithPolicyGate(gate))
	}

	return &authorizer{
		engine:    authz.NewEngine(validator, builder, opts...),
		validator: validator,
		provider:  provider,
	}, nil
}

// rotator bundles the machine with resources that need closing.
type rotator struct {
	machine *rotation.Machine
	store   rotation.Store
	closers []io.Closer
}

// Close releases the store connection.
func (r *rotator) Close() error {
	var errs []error
	for _, c := range r.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// newRotator wires the rotation machine to EventBridge, the configured issuer,
// notifier and store. out receives notifications
// when the log notifier is selected and out is not nil.
func newRotator(ctx context.Context, cfg *config.Config, out io.Writer) (*rotator, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.AWS.Region)
	if err != nil {
		return nil, err
	}

	registry, err := eventbridge.New(awseventbridge.NewFromConfig(awsCfg), eventbridge.Config{
		Environment:  cfg.Rotation.Environment,
		Region:       awsCfg.Region,
		TargetARN:    cfg.Rotation.TargetARN,
		FunctionName: cfg.Rotation.FunctionName,
	}, eventbridge.WithCallerIdentity(sts.NewFromConfig(awsCfg)))
	if err != nil {
		return nil, fmt.Errorf("failed to create trigger registry: %w", err)
	}

	notifier, err := newNotifier(cfg.Rotation, sns.NewFromConfig(awsCfg), out)
	if err != nil {
		return nil, err
	}

	issuer, err := newIssuer(cfg.Rotation, awsCfg)
	if err != nil {
		return nil, err
	}

	st, closer, err := newStore(ctx, cfg.Rotation)
	if err != nil {
		return nil, err
	}
	r := &rotator{store: st}
	if closer != nil {
		r.closers = append(r.closers, closer)
	}

	r.machine, err = rotation.NewMachine(cfg.RotationConfig(), issuer, registry, notifier, st)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	return r, nil
}

func loadAWSConfig(ctx context.Context, region string) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return cfg, nil
}

func newNotifier(cfg config.RotationSettings, publisher notify.PublishAPI, out io.Writer) (rotation.Notifier, error) {
	switch cfg.Notifier {
	case config.NotifierSNS:
		n, err := notify.NewSNSNotifier(publisher, cfg.SNSTopicARN, cfg.Environment)
		if err != nil {
			return nil, err
		}
		return n, nil
	case config.NotifierLog:
		if out != nil {
			return notify.NewWriterNotifier(out), nil
		}
		return notify.NewLogNotifier(), nil
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}
}

func newIssuer(cfg config.RotationSettings, awsCfg aws.Config) (rotation.CredentialIssuer, error) {
	switch cfg.Issuer {
	case config.IssuerCognito:
		i, err := cognito.New(cognitoidentityprovider.NewFromConfig(awsCfg), cfg.UserPoolID)
		if err != nil {
			return nil, fmt.Errorf("failed to create Cognito issuer: %w", err)
		}
		return i, nil
	case config.IssuerGraph:
		cred, err := graph.NewCredential(cfg.Graph)
		if err != nil {
			return nil, fmt.Errorf("failed to create Graph credential: %w", err)
		}
		adapter, err := graph.NewRequestAdapter(cred, cfg.GraphBaseURL)
		if err != nil {
			return nil, err
		}
		i, err := graph.New(adapter)
		if err != nil {
			return nil, err
		}
		return i, nil
	default:
		return nil, fmt.Errorf("unknown issuer %q", cfg.Issuer)
	}
}

// newStore returns the configured store and, for Redis, its closer.
func newStore(ctx context.Context, cfg config.RotationSettings) (rotation.Store, io.Closer, error) {
	switch cfg.Store {
	case config.StoreRedis:
		rs, err := store.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return rs, rs, nil
	case config.StoreMemory:
		logger.Warnf("Using in-memory rotation store; cycles are lost on restart")
		return store.NewMemoryStore(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}
