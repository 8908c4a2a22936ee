package bootstrap

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEnsureTLSCertGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")

	first, err := EnsureTLSCert(certPath, keyPath)
	require.NoError(t, err)
	require.NotEmpty(t, first.Certificate)

	second, err := EnsureTLSCert(certPath, keyPath)
	require.NoError(t, err)
	require.Equal(t, first.Certificate, second.Certificate)
}

func TestEnsureTokenGeneratesThenReloads(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "gateway-token")

	first, err := EnsureToken(tokenPath)
	require.NoError(t, err)
	require.Len(t, first, 64) // 32 bytes hex-encoded

	second, err := EnsureToken(tokenPath)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestEnsureTokenRejectsEmptyFileAndRegenerates(t *testing.T) {
	dir := t.TempDir()
	tokenPath := filepath.Join(dir, "gateway-token")

	require.NoError(t, os.WriteFile(tokenPath, []byte("\n"), 0o600))

	token, err := EnsureToken(tokenPath)
	require.NoError(t, err)
	require.NotEmpty(t, token)
}
