package security

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"time"
)

// Bundle is one key+cert pair plus the CA certificate that signed it —
// the content of a server.pem/rapi.pem file.
type Bundle struct {
	Cert   *x509.Certificate
	Key    *rsa.PrivateKey
	CACert *x509.Certificate
}

// Save writes the bundle as concatenated PEM blocks (private key first,
// then the certificate, then the CA certificate) with owner-only
// permissions, the layout server.pem uses on every node.
func (b *Bundle) Save(path string) error {
	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(b.Key),
	})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: b.Cert.Raw,
	})...)
	if b.CACert != nil && !b.CACert.Equal(b.Cert) {
		out = append(out, pem.EncodeToMemory(&pem.Block{
			Type:  "CERTIFICATE",
			Bytes: b.CACert.Raw,
		})...)
	}
	return os.WriteFile(path, out, 0o400)
}

// LoadBundle parses a file written by Save.
func LoadBundle(path string) (*Bundle, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{}
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		switch block.Type {
		case "RSA PRIVATE KEY":
			key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%s: bad private key: %w", path, err)
			}
			bundle.Key = key
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("%s: bad certificate: %w", path, err)
			}
			if bundle.Cert == nil {
				bundle.Cert = cert
			} else {
				bundle.CACert = cert
			}
		}
	}
	if bundle.Cert == nil || bundle.Key == nil {
		return nil, fmt.Errorf("%s: incomplete bundle (need key and certificate)", path)
	}
	if bundle.CACert == nil {
		bundle.CACert = bundle.Cert
	}
	return bundle, nil
}

// TLSCertificate converts the bundle to the stdlib's TLS type.
func (b *Bundle) TLSCertificate() (tls.Certificate, error) {
	return tls.Certificate{
		Certificate: [][]byte{b.Cert.Raw},
		PrivateKey:  b.Key,
		Leaf:        b.Cert,
	}, nil
}

// NeedsRenewal reports whether the certificate is past 2/3 of its
// lifetime.
func (b *Bundle) NeedsRenewal(now time.Time) bool {
	lifetime := b.Cert.NotAfter.Sub(b.Cert.NotBefore)
	return now.After(b.Cert.NotBefore.Add(lifetime * 2 / 3))
}
