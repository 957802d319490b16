// Package secrets persists the opaque session blob as versions of a named
// secret in a remote secret service, shielding the service from write
// bursts with a debounce window.
package secrets

import (
	"context"
	"errors"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrNotFound is returned when the named secret (or any version of it) does
// not exist yet. A first-run signal, not a failure.
var ErrNotFound = errors.New("secrets: not found")

// API is the narrow surface of the remote secret service the store needs.
// Satisfied by *Manager in production and by fakes in tests.
type API interface {
	// AccessLatestVersion returns the payload of the secret's latest
	// version, or ErrNotFound if the secret or version is absent.
	AccessLatestVersion(ctx context.Context, name string) ([]byte, error)
	// AddVersion appends a new version and returns its id. Returns
	// ErrNotFound if the secret itself does not exist yet.
	AddVersion(ctx context.Context, name string, payload []byte) (string, error)
	// CreateSecret creates the named secret with the default replication
	// policy. Creating a secret that already exists is not an error.
	CreateSecret(ctx context.Context, name string) error
}

// Manager implements API against Google Secret Manager. Authentication is
// ambient (application default credentials).
type Manager struct {
	project string
	client  *secretmanager.Client
}

var _ API = (*Manager)(nil)

// NewManager creates a Secret Manager client scoped to one project.
func NewManager(ctx context.Context, project string) (*Manager, error) {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("secrets: create client: %w", err)
	}
	return &Manager{project: project, client: client}, nil
}

// Close releases the underlying gRPC connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) secretPath(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", m.project, name)
}

func (m *Manager) AccessLatestVersion(ctx context.Context, name string) ([]byte, error) {
	resp, err := m.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: m.secretPath(name) + "/versions/latest",
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("secrets: access %s: %w", name, err)
	}
	return resp.GetPayload().GetData(), nil
}

func (m *Manager) AddVersion(ctx context.Context, name string, payload []byte) (string, error) {
	resp, err := m.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
		Parent:  m.secretPath(name),
		Payload: &secretmanagerpb.SecretPayload{Data: payload},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("secrets: add version to %s: %w", name, err)
	}
	return resp.GetName(), nil
}

func (m *Manager) CreateSecret(ctx context.Context, name string) error {
	_, err := m.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
		Parent:   "projects/" + m.project,
		SecretId: name,
		Secret: &secretmanagerpb.Secret{
			Replication: &secretmanagerpb.Replication{
				Replication: &secretmanagerpb.Replication_Automatic_{
					Automatic: &secretmanagerpb.Replication_Automatic{},
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("secrets: create %s: %w", name, err)
	}
	return nil
}
