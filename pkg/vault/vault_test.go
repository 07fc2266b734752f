package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, size int) string {
	t.Helper()
	key := make([]byte, size)
	for i := range key {
		key[i] = byte(i)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNew_RejectsBadKeys(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"not base64", "!!!not-base64!!!"},
		{"too short", testKey(t, 24)},
		{"too long", testKey(t, 48)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(tt.key)
			require.ErrorIs(t, err, ErrCryptoConfig)
			assert.Nil(t, v)
		})
	}
}

func TestNew_AcceptsExactly32Bytes(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestVault_RoundTrip(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	binding := Binding{TenantID: "t1", ProviderName: "github", ExternalAccountID: "octocat"}

	ciphertext, err := v.EncryptString("gho_secret_token", binding)
	require.NoError(t, err)
	assert.NotContains(t, string(ciphertext), "gho_secret_token")

	plaintext, err := v.DecryptString(ciphertext, binding)
	require.NoError(t, err)
	assert.Equal(t, "gho_secret_token", plaintext)
}

func TestVault_FreshNoncePerEncryption(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	binding := Binding{TenantID: "t1", ProviderName: "github"}

	first, err := v.EncryptString("same-token", binding)
	require.NoError(t, err)
	second, err := v.EncryptString("same-token", binding)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestVault_BindingMismatchFails(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	ciphertext, err := v.EncryptString("token", Binding{TenantID: "t1", ProviderName: "github", ExternalAccountID: "a"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		binding Binding
	}{
		{"different tenant", Binding{TenantID: "t2", ProviderName: "github", ExternalAccountID: "a"}},
		{"different provider", Binding{TenantID: "t1", ProviderName: "jira", ExternalAccountID: "a"}},
		{"different account", Binding{TenantID: "t1", ProviderName: "github", ExternalAccountID: "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.DecryptString(ciphertext, tt.binding)
			require.ErrorIs(t, err, ErrDecryptFailed)
		})
	}
}

func TestVault_TamperedCiphertextFails(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	binding := Binding{TenantID: "t1", ProviderName: "slack"}
	ciphertext, err := v.EncryptString("xoxb-token", binding)
	require.NoError(t, err)

	for i := range ciphertext {
		mutated := append([]byte(nil), ciphertext...)
		mutated[i] ^= 0x01
		_, err := v.DecryptString(mutated, binding)
		require.ErrorIs(t, err, ErrDecryptFailed, "flipped byte %d should fail", i)
	}
}

func TestVault_WrongKeyFails(t *testing.T) {
	v1, err := New(testKey(t, 32))
	require.NoError(t, err)

	other := make([]byte, 32)
	for i := range other {
		other[i] = byte(255 - i)
	}
	v2, err := New(base64.StdEncoding.EncodeToString(other))
	require.NoError(t, err)

	binding := Binding{TenantID: "t1", ProviderName: "gmail"}
	ciphertext, err := v1.EncryptString("token", binding)
	require.NoError(t, err)

	_, err = v2.DecryptString(ciphertext, binding)
	require.ErrorIs(t, err, ErrDecryptFailed)
}

func TestVault_ErrorsNeverLeakSecrets(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	binding := Binding{TenantID: "t1", ProviderName: "github"}
	ciphertext, err := v.EncryptString("super-secret-value", binding)
	require.NoError(t, err)

	_, err = v.DecryptString(ciphertext, Binding{TenantID: "t2", ProviderName: "github"})
	require.Error(t, err)
	assert.False(t, strings.Contains(err.Error(), "super-secret-value"))
	assert.False(t, strings.Contains(err.Error(), testKey(t, 32)))
}

func TestVault_TruncatedCiphertext(t *testing.T) {
	v, err := New(testKey(t, 32))
	require.NoError(t, err)

	_, err = v.Decrypt([]byte{0x01, 0x02}, Binding{TenantID: "t1"})
	require.ErrorIs(t, err, ErrDecryptFailed)
}
