package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/spf13/afero"
)

// Server name baked into ephemeral certificates. Daemons verify the
// host against this name since the host address is not known when the
// certificate is generated.
const serverName = "mirai"

// TLS credentials for one compute profile. For ephemeral material the
// certificate is self-signed and the key never leaves the host. For
// CA-issued material CertPEM holds the full chain up to the root.
type Material struct {
	CertPEM []byte
	KeyPEM  []byte

	// True when the certificate was generated on this host.
	Ephemeral bool
}

// Ephemeral generates an RSA keypair and a self-signed certificate
// valid from the distant past to the far future. The certificate is
// embedded in daemon launch commands; the key stays on the host.
func Ephemeral() (*Material, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: serverName,
		},
		NotBefore:             time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:              time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{serverName, "localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &Material{
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		Ephemeral: true,
	}, nil
}

// Load reads CA-issued credentials from the filesystem. The
// certificate file must contain the chain up to and including the
// root.
func Load(fs afero.Fs, certFile, keyFile string) (*Material, error) {
	certPEM, err := afero.ReadFile(fs, certFile)
	if err != nil {
		return nil, fmt.Errorf("reading certificate: %w", err)
	}

	keyPEM, err := afero.ReadFile(fs, keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, err
	}

	return &Material{
		CertPEM: certPEM,
		KeyPEM:  keyPEM,
	}, nil
}

// DaemonCredentials returns the certificate material shipped to each
// launched daemon: the chain PEM and an empty placeholder element.
func (m *Material) DaemonCredentials() []string {
	return []string{string(m.CertPEM), ""}
}

// ServerConfig builds the host-side TLS configuration.
func (m *Material) ServerConfig() (*tls.Config, error) {
	cert, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientConfig builds the daemon-side TLS configuration from the
// certificate PEM received at launch.
func ClientConfig(certPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(certPEM) {
		return nil, fmt.Errorf("no certificate found in PEM data")
	}

	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
