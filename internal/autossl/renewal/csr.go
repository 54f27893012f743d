package renewal

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// newKeyAndCSR generates a fresh P-256 key for one certificate and a signing
// request covering the bucket's domains. Returns the key as PEM and the CSR
// as DER.
func newKeyAndCSR(domainList []string) (keyPEM string, csr []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return "", nil, fmt.Errorf("generate certificate key: %w", err)
	}

	csr, err = x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domainList[0]},
		DNSNames: domainList,
	}, key)
	if err != nil {
		return "", nil, fmt.Errorf("create certificate request: %w", err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", nil, fmt.Errorf("marshal certificate key: %w", err)
	}
	keyPEM = string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
	return keyPEM, csr, nil
}
