// Package security owns the cluster's cryptographic material: the
// self-signed cluster CA behind the node-daemon mTLS fan-out, the
// server.pem/rapi.pem certificate bundles, and the confd HMAC key.
package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"
)

const (
	caValidity   = 10 * 365 * 24 * time.Hour
	certValidity = 5 * 365 * 24 * time.Hour
	rsaKeyBits   = 2048
)

// ClusterCA is the root of trust every node certificate chains to.
type ClusterCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// NewClusterCA generates a fresh CA for clusterName. Run once at
// cluster init; every node receives the resulting bundle.
func NewClusterCA(clusterName string) (*ClusterCA, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{clusterName},
			CommonName:   clusterName + " cluster CA",
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &ClusterCA{cert: cert, key: key}, nil
}

// IssueNodeCert signs a certificate for one node, valid both as a
// server (node daemon) and a client (master's RPC runner), so a single
// bundle covers both directions of the mTLS fan-out.
func (ca *ClusterCA) IssueNodeCert(nodeName string, ips []net.IP) (*Bundle, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: ca.cert.Subject.Organization,
			CommonName:   nodeName,
		},
		NotBefore:   time.Now().Add(-time.Hour),
		NotAfter:    time.Now().Add(certValidity),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{nodeName},
		IPAddresses: ips,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return nil, fmt.Errorf("sign node cert: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	return &Bundle{Cert: cert, Key: key, CACert: ca.cert}, nil
}

// Bundle returns the CA itself as a key+cert bundle (what server.pem
// holds on the master).
func (ca *ClusterCA) Bundle() *Bundle {
	return &Bundle{Cert: ca.cert, Key: ca.key, CACert: ca.cert}
}

// CertPEM returns the CA certificate alone, for distribution to nodes
// that only need to verify, not sign.
func (ca *ClusterCA) CertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.cert.Raw})
}

// LoadClusterCA reconstitutes a CA from a bundle previously written with
// Bundle().Save.
func LoadClusterCA(path string) (*ClusterCA, error) {
	bundle, err := LoadBundle(path)
	if err != nil {
		return nil, err
	}
	if !bundle.Cert.IsCA {
		return nil, fmt.Errorf("%s does not contain a CA certificate", path)
	}
	return &ClusterCA{cert: bundle.Cert, key: bundle.Key}, nil
}

// Verify checks that cert chains to this CA and is within validity.
func (ca *ClusterCA) Verify(cert *x509.Certificate) error {
	roots := x509.NewCertPool()
	roots.AddCert(ca.cert)
	_, err := cert.Verify(x509.VerifyOptions{
		Roots:     roots,
		KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	})
	return err
}

// ServerTLSConfig builds the node-daemon side of the mTLS pair: present
// bundle, require a peer certificate signed by the same CA.
func (b *Bundle) ServerTLSConfig() (*tls.Config, error) {
	cert, err := b.TLSCertificate()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(b.CACert)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the RPC-runner side: present bundle, verify the
// node daemon against the cluster CA.
func (b *Bundle) ClientTLSConfig() (*tls.Config, error) {
	cert, err := b.TLSCertificate()
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(b.CACert)
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate certificate serial: %w", err)
	}
	return serial, nil
}
