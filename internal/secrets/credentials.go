package secrets

import (
	"context"
	"maps"
	"slices"

	"github.com/rendis/playbookd/pkg/schema"
)

// Credential is a username/password pair referenced from playbooks as
// {{ credential.NAME }}.
type Credential struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Attributes returns the credential as a resolvable map.
func (c Credential) Attributes() map[string]any {
	return map[string]any{"username": c.Username, "password": c.Password}
}

// CredentialStore is the read-only lookup the resolver depends on.
// Missing names return a NOT_FOUND error.
type CredentialStore interface {
	GetCredential(ctx context.Context, name string) (*Credential, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.LibSQLStore.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// StaticCredentials is an in-memory CredentialStore.
type StaticCredentials map[string]Credential

func (s StaticCredentials) GetCredential(_ context.Context, name string) (*Credential, error) {
	c, ok := s[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "credential %q not found", name).
			WithDetails(map[string]any{"available": slices.Sorted(maps.Keys(s))})
	}
	return &c, nil
}
