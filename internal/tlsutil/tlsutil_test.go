package tlsutil

import (
	"crypto/ecdsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedCert(t *testing.T) {
	cert, err := GenerateSelfSignedCert("node.lan", "10.0.0.7", "0.0.0.0", "")
	require.NoError(t, err)
	require.Len(t, cert.Certificate, 1)

	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	assert.IsType(t, &ecdsa.PublicKey{}, leaf.PublicKey)
	assert.Equal(t, []string{"localhost", "node.lan"}, leaf.DNSNames)
	var ips []string
	for _, ip := range leaf.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.ElementsMatch(t, []string{"127.0.0.1", "::1", "10.0.0.7"}, ips)
	assert.Contains(t, leaf.ExtKeyUsage, x509.ExtKeyUsageServerAuth)
	assert.WithinDuration(t, time.Now().Add(SelfSignedValidity), leaf.NotAfter, time.Minute)

	require.NoError(t, leaf.VerifyHostname("localhost"))
	require.NoError(t, leaf.VerifyHostname("node.lan"))
	assert.Error(t, leaf.VerifyHostname("example.com"))
}

func TestGenerateSelfSignedCert_UniqueSerials(t *testing.T) {
	a, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	b, err := GenerateSelfSignedCert()
	require.NoError(t, err)

	la, _ := x509.ParseCertificate(a.Certificate[0])
	lb, _ := x509.ParseCertificate(b.Certificate[0])
	assert.NotEqual(t, la.SerialNumber, lb.SerialNumber)
}

func TestServerConfig_SelfSigned(t *testing.T) {
	cfg, selfSigned, err := ServerConfig("", "")
	require.NoError(t, err)
	assert.True(t, selfSigned)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.Certificates, 1)
}

func TestServerConfig_FromFiles(t *testing.T) {
	generated, err := GenerateSelfSignedCert()
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(generated.PrivateKey.(*ecdsa.PrivateKey))
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: generated.Certificate[0]}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cfg, selfSigned, err := ServerConfig(certFile, keyFile)
	require.NoError(t, err)
	assert.False(t, selfSigned)
	assert.Equal(t, generated.Certificate[0], cfg.Certificates[0].Certificate[0])
}

func TestServerConfig_MissingFiles(t *testing.T) {
	_, _, err := ServerConfig(filepath.Join(t.TempDir(), "nope.pem"), "nope.key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading TLS key pair")
}

func TestServerConfig_ServesTLS(t *testing.T) {
	cfg, _, err := ServerConfig("", "")
	require.NoError(t, err)

	ln, err := tls.Listen("tcp", "127.0.0.1:0", cfg)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.(*tls.Conn).Handshake()
		conn.Close()
	}()

	conn, err := tls.Dial("tcp", ln.Addr().String(), &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer conn.Close()
	state := conn.ConnectionState()
	require.Len(t, state.PeerCertificates, 1)
	assert.Equal(t, "nodedash", state.PeerCertificates[0].Subject.CommonName)
}
