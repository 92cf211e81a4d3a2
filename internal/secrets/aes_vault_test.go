package secrets

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/playbookd/pkg/schema"
)

// mapStore is a simple in-memory SecretStore for vault tests.
type mapStore struct {
	data map[string][]byte
}

func newMapStore() *mapStore {
	return &mapStore{data: make(map[string][]byte)}
}

func (m *mapStore) StoreSecret(_ context.Context, key string, value []byte) error {
	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *mapStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	v, ok := m.data[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	return v, nil
}

func (m *mapStore) DeleteSecret(_ context.Context, key string) error {
	if _, ok := m.data[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(m.data, key)
	return nil
}

func (m *mapStore) ListSecrets(_ context.Context) ([]string, error) {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func testVault(t *testing.T) (*Vault, *mapStore) {
	t.Helper()
	s := newMapStore()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewVault(s, VaultConfig{MasterKey: key})
	require.NoError(t, err)
	return v, s
}

func TestVault_SetAndGetCredential(t *testing.T) {
	v, _ := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetCredential(ctx, "gateway_admin", Credential{Username: "admin", Password: "p4ss"}))

	cred, err := v.GetCredential(ctx, "gateway_admin")
	require.NoError(t, err)
	assert.Equal(t, "admin", cred.Username)
	assert.Equal(t, "p4ss", cred.Password)
}

func TestVault_EncryptedAtRest(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()

	require.NoError(t, v.SetCredential(ctx, "db", Credential{Username: "svc", Password: "plaintext-secret"}))

	raw := s.data["credential/db"]
	require.NotEmpty(t, raw)
	assert.False(t, bytes.Contains(raw, []byte("plaintext-secret")))
}

func TestVault_GetMissing(t *testing.T) {
	v, _ := testVault(t)

	_, err := v.GetCredential(context.Background(), "nope")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
	assert.Contains(t, err.Error(), `"nope"`)
}

func TestVault_TamperedCiphertext(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	require.NoError(t, v.SetCredential(ctx, "x", Credential{Username: "u", Password: "p"}))

	raw := s.data["credential/x"]
	raw[len(raw)-1] ^= 0xFF

	_, err := v.GetCredential(ctx, "x")
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))
}

func TestVault_ListAndDelete(t *testing.T) {
	v, s := testVault(t)
	ctx := context.Background()
	s.data["unrelated"] = []byte("ignored")

	require.NoError(t, v.SetCredential(ctx, "b", Credential{Username: "b"}))
	require.NoError(t, v.SetCredential(ctx, "a", Credential{Username: "a"}))

	names, err := v.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, names)

	require.NoError(t, v.DeleteCredential(ctx, "a"))
	names, err = v.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, names)
}

func TestVault_EmptyName(t *testing.T) {
	v, _ := testVault(t)
	err := v.SetCredential(context.Background(), " ", Credential{})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestNewVault_KeyDerivation(t *testing.T) {
	s := newMapStore()

	_, err := NewVault(s, VaultConfig{MasterKey: []byte("short")})
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))

	_, err = NewVault(s, VaultConfig{})
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))

	_, err = NewVault(s, VaultConfig{Passphrase: "pw"})
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))

	v, err := NewVault(s, VaultConfig{Passphrase: "pw", Salt: []byte("salt"), Iterations: 1000})
	require.NoError(t, err)
	require.NoError(t, v.SetCredential(context.Background(), "k", Credential{Username: "u"}))
}

func TestStaticCredentials(t *testing.T) {
	s := StaticCredentials{"gw": {Username: "u", Password: "p"}}

	c, err := s.GetCredential(context.Background(), "gw")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"username": "u", "password": "p"}, c.Attributes())

	_, err = s.GetCredential(context.Background(), "missing")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}
