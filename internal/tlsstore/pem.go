package tlsstore

import (
	"crypto/ecdsa"
	"crypto/sha1" //nolint:gosec // SKI/AKI linkage per RFC 5280 §4.2.1.2 method (1), not used for security
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

func parseECKeyPEM(keyPEM []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("tlsstore: no PEM block in CA key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: parse CA key: %w", err)
	}
	ecKey, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("tlsstore: CA key is not an EC private key")
	}
	return ecKey, nil
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("tlsstore: no PEM block in CA certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: parse CA certificate: %w", err)
	}
	return cert, nil
}

func encodeECKeyPEM(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

func encodeCertPEM(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func writeFile(path string, data []byte, perm os.FileMode) error {
	return os.WriteFile(path, data, perm)
}

// subjectKeyID derives a Subject/Authority Key Identifier from a public key
// using the RFC 5280 §4.2.1.2 method (1): the SHA-1 hash of the BIT STRING
// subjectPublicKey value (without tag/length/unused-bit-count octets, which
// for an EC point is simply the marshaled point).
func subjectKeyID(pub *ecdsa.PublicKey) []byte {
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil
	}
	sum := sha1.Sum(ecdhPub.Bytes()) //nolint:gosec // identifier hash, not a signature
	return sum[:]
}
