package tlsutil

import (
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEphemeral(t *testing.T) {
	material, err := Ephemeral()
	require.NoError(t, err)
	assert.True(t, material.Ephemeral)

	assert.True(t, strings.HasPrefix(string(material.CertPEM), "-----BEGIN CERTIFICATE-----"))

	block, _ := pem.Decode(material.CertPEM)
	require.NotNil(t, block)

	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)

	// Valid from the distant past to the far future
	assert.True(t, cert.NotBefore.Before(time.Date(1971, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, cert.NotAfter.After(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, "mirai", cert.Subject.CommonName)
}

func TestEphemeralConfigs(t *testing.T) {
	material, err := Ephemeral()
	require.NoError(t, err)

	server, err := material.ServerConfig()
	require.NoError(t, err)
	assert.Len(t, server.Certificates, 1)

	client, err := ClientConfig(material.CertPEM)
	require.NoError(t, err)
	assert.Equal(t, "mirai", client.ServerName)
	assert.NotNil(t, client.RootCAs)
}

func TestDaemonCredentials(t *testing.T) {
	material, err := Ephemeral()
	require.NoError(t, err)

	creds := material.DaemonCredentials()
	require.Len(t, creds, 2)
	assert.True(t, strings.HasPrefix(creds[0], "-----BEGIN CERTIFICATE-----"))
	assert.Equal(t, "", creds[1])
}

func TestLoad(t *testing.T) {
	material, err := Ephemeral()
	require.NoError(t, err)

	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/certs/chain.pem", material.CertPEM, 0600))
	require.NoError(t, afero.WriteFile(fs, "/certs/key.pem", material.KeyPEM, 0600))

	loaded, err := Load(fs, "/certs/chain.pem", "/certs/key.pem")
	require.NoError(t, err)
	assert.False(t, loaded.Ephemeral)
	assert.Equal(t, material.CertPEM, loaded.CertPEM)

	_, err = Load(fs, "/certs/missing.pem", "/certs/key.pem")
	assert.Error(t, err)

	require.NoError(t, afero.WriteFile(fs, "/certs/garbage.pem", []byte("garbage"), 0600))
	_, err = Load(fs, "/certs/garbage.pem", "/certs/key.pem")
	assert.Error(t, err)
}

func TestClientConfigBadPEM(t *testing.T) {
	_, err := ClientConfig([]byte("not a certificate"))
	assert.Error(t, err)
}
