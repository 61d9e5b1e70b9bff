package security

import (
	"crypto/x509"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCAIssuesVerifiableNodeCerts(t *testing.T) {
	ca, err := NewClusterCA("cluster1.example.com")
	require.NoError(t, err)

	bundle, err := ca.IssueNodeCert("node1.example.com", []net.IP{net.ParseIP("192.0.2.10")})
	require.NoError(t, err)

	assert.Equal(t, "node1.example.com", bundle.Cert.Subject.CommonName)
	assert.NoError(t, ca.Verify(bundle.Cert))
	assert.Contains(t, bundle.Cert.DNSNames, "node1.example.com")
}

func TestForeignCertIsRejected(t *testing.T) {
	ca1, err := NewClusterCA("cluster1")
	require.NoError(t, err)
	ca2, err := NewClusterCA("cluster2")
	require.NoError(t, err)

	bundle, err := ca2.IssueNodeCert("impostor", nil)
	require.NoError(t, err)
	assert.Error(t, ca1.Verify(bundle.Cert))
}

func TestBundleSaveLoadRoundTrip(t *testing.T) {
	ca, err := NewClusterCA("cluster1")
	require.NoError(t, err)
	bundle, err := ca.IssueNodeCert("node1", nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "server.pem")
	require.NoError(t, bundle.Save(path))

	loaded, err := LoadBundle(path)
	require.NoError(t, err)
	assert.True(t, loaded.Cert.Equal(bundle.Cert))
	assert.True(t, loaded.CACert.Equal(bundle.CACert))
	require.NotNil(t, loaded.Key)
	assert.Equal(t, bundle.Key.D, loaded.Key.D)
}

func TestCABundleRoundTripKeepsSigningAbility(t *testing.T) {
	ca, err := NewClusterCA("cluster1")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "server.pem")
	require.NoError(t, ca.Bundle().Save(path))

	reloaded, err := LoadClusterCA(path)
	require.NoError(t, err)
	bundle, err := reloaded.IssueNodeCert("node1", nil)
	require.NoError(t, err)
	assert.NoError(t, ca.Verify(bundle.Cert))
}

func TestTLSConfigsAreMutual(t *testing.T) {
	ca, err := NewClusterCA("cluster1")
	require.NoError(t, err)
	bundle, err := ca.IssueNodeCert("node1", nil)
	require.NoError(t, err)

	server, err := bundle.ServerTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, server.ClientCAs)
	assert.Equal(t, x509.ExtKeyUsageServerAuth, bundle.Cert.ExtKeyUsage[0])

	client, err := bundle.ClientTLSConfig()
	require.NoError(t, err)
	assert.NotNil(t, client.RootCAs)
	require.Len(t, client.Certificates, 1)
}

func TestNeedsRenewal(t *testing.T) {
	ca, err := NewClusterCA("cluster1")
	require.NoError(t, err)
	bundle, err := ca.IssueNodeCert("node1", nil)
	require.NoError(t, err)

	assert.False(t, bundle.NeedsRenewal(time.Now()))
	assert.True(t, bundle.NeedsRenewal(bundle.Cert.NotAfter.Add(-time.Hour)))
}

func TestHMACKeyRoundTrip(t *testing.T) {
	key, err := GenerateHMACKey()
	require.NoError(t, err)
	require.Len(t, key, HMACKeyLength)

	path := filepath.Join(t.TempDir(), "hmac.key")
	require.NoError(t, WriteHMACKey(path, key))

	loaded, err := ReadHMACKey(path)
	require.NoError(t, err)
	assert.Equal(t, key, loaded)
}

func TestReadHMACKeyRejectsBadLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hmac.key")
	require.NoError(t, WriteHMACKey(path, []byte("deadbeef")))
	_, err := ReadHMACKey(path)
	assert.Error(t, err)
}
