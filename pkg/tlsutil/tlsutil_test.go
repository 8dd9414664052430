package tlsutil

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/pkg/security"
)

// generateTestCert creates a self-signed certificate for cn
func generateTestCert(t *testing.T, cn string) (certPEM, keyPEM []byte) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privateKey)})
	return certPEM, keyPEM
}

func writeTestCert(t *testing.T, cn string) (certFile, keyFile string) {
	t.Helper()
	dir := t.TempDir()
	certPEM, keyPEM := generateTestCert(t, cn)
	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o644))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
	return certFile, keyFile
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := writeTestCert(t, "localhost")

	t.Run("disabled", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("enabled", func(t *testing.T) {
		cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
			Enabled: true, CertFile: certFile, KeyFile: keyFile, MinVersion: "1.3",
		})
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
		assert.Equal(t, tls.NoClientCert, cfg.ClientAuth)
	})

	t.Run("mutual TLS", func(t *testing.T) {
		caFile, _ := writeTestCert(t, "client")
		cfg, err := LoadServerTLSConfig(security.ServerTLSConfig{
			Enabled: true, CertFile: certFile, KeyFile: keyFile,
			ClientCAFiles: []string{caFile}, RequireClientCert: true, AllowedClientCNs: []string{"client"},
		})
		require.NoError(t, err)
		assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
		assert.NotNil(t, cfg.ClientCAs)
		assert.NotNil(t, cfg.VerifyPeerCertificate)
	})

	t.Run("missing certificate", func(t *testing.T) {
		_, err := LoadServerTLSConfig(security.ServerTLSConfig{Enabled: true, CertFile: "/nonexistent", KeyFile: keyFile})
		require.Error(t, err)
		assert.True(t, errors.IsFatal(err))
	})
}

func TestLoadClientTLSConfig(t *testing.T) {
	caFile, _ := writeTestCert(t, "broker")
	certFile, keyFile := writeTestCert(t, "gateway")

	t.Run("disabled", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{CAFiles: []string{caFile}})
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("additional CA and client cert", func(t *testing.T) {
		cfg, err := LoadClientTLSConfig(security.ClientTLSConfig{
			Enabled: true, CAFiles: []string{caFile}, ServerName: "broker",
			CertFile: certFile, KeyFile: keyFile,
		})
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.Equal(t, "broker", cfg.ServerName)
		assert.Len(t, cfg.Certificates, 1)
		assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
		assert.False(t, cfg.InsecureSkipVerify)
	})

	t.Run("invalid CA file", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o644))
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CAFiles: []string{bad}})
		assert.Error(t, err)
	})

	t.Run("missing key", func(t *testing.T) {
		_, err := LoadClientTLSConfig(security.ClientTLSConfig{Enabled: true, CertFile: certFile})
		assert.Error(t, err)
	})
}

func TestVerifyAllowedClientCN(t *testing.T) {
	leaf := &x509.Certificate{Subject: pkix.Name{CommonName: "gateway"}}

	assert.NoError(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other", "gateway"}))
	assert.Error(t, verifyAllowedClientCN([][]*x509.Certificate{{leaf}}, []string{"other"}))
	assert.Error(t, verifyAllowedClientCN(nil, []string{"gateway"}))
}

func TestParseTLSVersion(t *testing.T) {
	assert.Equal(t, uint16(tls.VersionTLS13), parseTLSVersion("1.3"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.2"))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion(""))
	assert.Equal(t, uint16(tls.VersionTLS12), parseTLSVersion("1.0"))
}
