package secrets

import (
	"context"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// Resolver reads secret values by name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// SecretManagerResolver reads the latest version of secrets from Google Secret Manager.
type SecretManagerResolver struct {
	client    *secretmanager.Client
	projectID string
}

func NewSecretManagerResolver(ctx context.Context, projectID string, opts ...option.ClientOption) (*SecretManagerResolver, error) {
	if projectID == "" {
		return nil, fmt.Errorf("secret manager project ID is not set")
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &SecretManagerResolver{client: client, projectID: projectID}, nil
}

func (r *SecretManagerResolver) Resolve(ctx context.Context, name string) (string, error) {
	path := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", r.projectID, name)
	resp, err := r.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: path})
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", name, err)
	}
	return string(resp.GetPayload().GetData()), nil
}

func (r *SecretManagerResolver) Close() error {
	return r.client.Close()
}

// Overlay sets each target from the secret of the same name. A missing secret
// is tolerated when the target already has a value.
func Overlay(ctx context.Context, r Resolver, targets map[string]*string) error {
	for name, dst := range targets {
		v, err := r.Resolve(ctx, name)
		if err != nil {
			if *dst != "" {
				continue
			}
			return err
		}
		*dst = v
	}
	return nil
}

// StaticResolver serves secrets from a map.
type StaticResolver map[string]string

func (s StaticResolver) Resolve(_ context.Context, name string) (string, error) {
	v, ok := s[name]
	if !ok {
		return "", fmt.Errorf("secret %s not found", name)
	}
	return v, nil
}
