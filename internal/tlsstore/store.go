// Package tlsstore owns the proxy's Certificate Authority and mints,
// caches, and serves per-host leaf certificates on demand so the acceptor
// can terminate a client's TLS session for any DNS name.
package tlsstore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"golang.org/x/net/idna"
	"golang.org/x/sync/singleflight"
)

// certValidity is the ~100 year lifetime spec.md §3/§6 mandates for both
// the CA and every leaf it issues.
const certValidity = 100 * 365 * 24 * time.Hour

// Subject is the Subject DN the caller supplies when generating a fresh CA.
type Subject struct {
	Country      string
	State        string
	Locality     string
	Organization string
	CommonName   string
}

// Store holds one CA identity and a process-lifetime cache of the leaf
// certificates it has minted, keyed by normalized DNS name.
type Store struct {
	caKey  *ecdsa.PrivateKey
	caCert *x509.Certificate

	mu    sync.RWMutex
	cache map[string]*tls.Certificate

	// mint collapses concurrent GetTLSConfig calls for the same host into a
	// single CreateCertificate call (spec.md §4.B: "minting is at-most-once
	// per host across concurrent callers"). Calls for distinct hosts are
	// never serialized against each other by this group.
	mint singleflight.Group
}

// GenerateCA creates a fresh EC P-256 CA identity with the given Subject DN.
func GenerateCA(subj Subject) (*Store, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("tlsstore: generate CA serial: %w", err)
	}

	name := pkix.Name{CommonName: subj.CommonName}
	if subj.Country != "" {
		name.Country = []string{subj.Country}
	}
	if subj.State != "" {
		name.Province = []string{subj.State}
	}
	if subj.Locality != "" {
		name.Locality = []string{subj.Locality}
	}
	if subj.Organization != "" {
		name.Organization = []string{subj.Organization}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               name,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: parse generated CA certificate: %w", err)
	}

	return &Store{caKey: key, caCert: cert, cache: make(map[string]*tls.Certificate)}, nil
}

// LoadCA loads a CA identity from a PEM-encoded EC private key and
// certificate. It fails if the key is not an EC private key or the PEM
// cannot be parsed.
func LoadCA(keyPEM, certPEM []byte) (*Store, error) {
	key, err := parseECKeyPEM(keyPEM)
	if err != nil {
		return nil, err
	}
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return nil, err
	}
	return &Store{caKey: key, caCert: cert, cache: make(map[string]*tls.Certificate)}, nil
}

// SaveCA writes the CA private key (PKCS#8, unencrypted) and certificate
// (PEM) to the given paths.
func (s *Store) SaveCA(keyPath, certPath string) error {
	keyPEM, err := encodeECKeyPEM(s.caKey)
	if err != nil {
		return fmt.Errorf("tlsstore: encode CA key: %w", err)
	}
	if err := writeFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("tlsstore: write CA key: %w", err)
	}
	if err := writeFile(certPath, encodeCertPEM(s.caCert.Raw), 0o644); err != nil {
		return fmt.Errorf("tlsstore: write CA cert: %w", err)
	}
	return nil
}

// CAPEM returns the CA certificate in PEM form.
func (s *Store) CAPEM() []byte {
	return encodeCertPEM(s.caCert.Raw)
}

// GetTLSConfig returns a server-side TLS configuration presenting the leaf
// certificate for host, minting and caching it on first use. The returned
// config ignores the client's SNI: the leaf always matches the host passed
// in here (the CONNECT target, per the acceptor), never whatever ServerName
// the TLS ClientHello carries — see DESIGN.md's Open Questions.
func (s *Store) GetTLSConfig(host string) (*tls.Config, error) {
	leaf, err := s.certFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		Certificates: []tls.Certificate{*leaf},
	}, nil
}

// certFor returns the cached leaf for host, minting it on first lookup.
func (s *Store) certFor(host string) (*tls.Certificate, error) {
	key := normalizeHost(host)

	s.mu.RLock()
	if leaf, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return leaf, nil
	}
	s.mu.RUnlock()

	v, err, _ := s.mint.Do(key, func() (any, error) {
		// Re-check under the singleflight key: another caller may have
		// finished minting while we were waiting to enter Do.
		s.mu.RLock()
		if leaf, ok := s.cache[key]; ok {
			s.mu.RUnlock()
			return leaf, nil
		}
		s.mu.RUnlock()

		leaf, err := s.mintLeaf(key)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.cache[key] = leaf
		s.mu.Unlock()
		return leaf, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*tls.Certificate), nil
}

// mintLeaf generates and signs a fresh leaf certificate for the given
// (already normalized) DNS name.
func (s *Store) mintLeaf(dnsName string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: generate leaf key for %s: %w", dnsName, err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("tlsstore: generate leaf serial for %s: %w", dnsName, err)
	}

	subject := s.caCert.Subject
	subject.CommonName = dnsName

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.Add(certValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		SubjectKeyId:          subjectKeyID(&key.PublicKey),
		AuthorityKeyId:        s.caCert.SubjectKeyId,
	}

	// A host may be a bare IP literal (common for direct-IP CONNECT targets
	// or tests against loopback addresses). TLS clients verify an IP
	// ServerName against a certificate's IPAddresses SANs, not its DNSNames,
	// so route each host into whichever SAN field an x509 verifier actually
	// checks.
	if ip := net.ParseIP(dnsName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{dnsName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, s.caCert, &key.PublicKey, s.caKey)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: sign leaf for %s: %w", dnsName, err)
	}
	leafCert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("tlsstore: parse minted leaf for %s: %w", dnsName, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, s.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leafCert,
	}, nil
}

// randomSerial mints a random 20-byte serial number, per spec.md §4.B.
func randomSerial() (*big.Int, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	// Clear the top bit so the serial is always non-negative when
	// interpreted as a big-endian two's-complement integer.
	buf[0] &= 0x7f
	return new(big.Int).SetBytes(buf), nil
}

// normalizeHost lowercases and IDNA-normalizes host so that visually or
// byte-distinct forms of the same domain (e.g. a Unicode label and its
// punycode equivalent) share exactly one cache entry and one leaf.
func normalizeHost(host string) string {
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return ascii
}
