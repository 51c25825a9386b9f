package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func paths(t *testing.T) (string, string) {
	dir := t.TempDir()
	return filepath.Join(dir, "certs", "cert.pem"), filepath.Join(dir, "keys", "key.pem")
}

func leaf(t *testing.T, certFile, keyFile string) *x509.Certificate {
	t.Helper()
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	return cert
}

func TestEnsureCertificate(t *testing.T) {
	certFile, keyFile := paths(t)

	require.NoError(t, EnsureCertificate(certFile, keyFile, []string{"maps.local", "10.0.0.7"}))
	cert := leaf(t, certFile, keyFile)
	assert.Equal(t, []string{"maps.local"}, cert.DNSNames)
	require.Len(t, cert.IPAddresses, 1)
	assert.Equal(t, "10.0.0.7", cert.IPAddresses[0].String())

	info, err := os.Stat(keyFile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	before, err := os.ReadFile(certFile)
	require.NoError(t, err)
	require.NoError(t, EnsureCertificate(certFile, keyFile, nil))
	after, err := os.ReadFile(certFile)
	require.NoError(t, err)
	assert.Equal(t, before, after, "valid certificates are kept")
}

func TestEnsureCertificateRenews(t *testing.T) {
	certFile, keyFile := paths(t)

	// issued long enough ago to expire within the renewal window
	require.NoError(t, generate(certFile, keyFile, nil, time.Now().Add(-validFor+10*24*time.Hour)))
	old := leaf(t, certFile, keyFile)
	assert.Less(t, time.Until(old.NotAfter), renewBefore)

	require.NoError(t, EnsureCertificate(certFile, keyFile, nil))
	renewed := leaf(t, certFile, keyFile)
	assert.Greater(t, time.Until(renewed.NotAfter), renewBefore)
	assert.Equal(t, []string{"localhost"}, renewed.DNSNames)
}

func TestEnsureCertificateReplacesGarbage(t *testing.T) {
	certFile, keyFile := paths(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(certFile), 0755))
	require.NoError(t, os.MkdirAll(filepath.Dir(keyFile), 0755))
	require.NoError(t, os.WriteFile(certFile, []byte("not a certificate"), 0644))
	require.NoError(t, os.WriteFile(keyFile, []byte("not a key"), 0600))

	require.NoError(t, EnsureCertificate(certFile, keyFile, []string{"localhost"}))
	leaf(t, certFile, keyFile)
}
