package keys

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

func Test_GeneratesRSAKeys(t *testing.T) {
	tests := []struct {
		keySize int
		wantErr bool
	}{
		{2048, false},
		{3072, false},
		{1024, true},
	}

	for _, tt := range tests {
		t.Run("RSAKeySize"+fmt.Sprintf("%d", tt.keySize), func(t *testing.T) {
			privateKey, publicKey, err := GeneratesRSAKeys(tt.keySize)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, string(publicKey), "PUBLIC KEY")
			_, err = ssh.ParsePrivateKey(privateKey)
			assert.NoError(t, err)
		})
	}
}

func Test_LoadSigner(t *testing.T) {
	privateKey, _, err := GeneratesED25519Keys()
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(file, privateKey, 0o600))

	signer, err := LoadSigner(file)
	require.NoError(t, err)
	assert.Equal(t, ssh.KeyAlgoED25519, signer.PublicKey().Type())

	_, err = LoadSigner(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func Test_PinnedHostKey(t *testing.T) {
	signer, err := NewSigner()
	require.NoError(t, err)
	other, err := NewSigner()
	require.NoError(t, err)

	cb := PinnedHostKey(ssh.FingerprintSHA256(signer.PublicKey()))
	assert.NoError(t, cb("host", nil, signer.PublicKey()))
	assert.ErrorIs(t, cb("host", nil, other.PublicKey()), ErrHostKeyMismatch)

	assert.NoError(t, PinnedHostKey("")("host", nil, other.PublicKey()))
}
