package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudhutch/hutch/pkg/store"
)

func TestHTTP01ProviderRoundTrip(t *testing.T) {
	p := NewHTTP01Provider()

	require.NoError(t, p.Present("www.example.com", "tok-1", "tok-1.keyauth"))
	require.NoError(t, p.Present("www.example.com", "tok-2", "tok-2.keyauth"))

	got, ok := p.KeyAuth("www.example.com", "tok-1")
	require.True(t, ok)
	assert.Equal(t, "tok-1.keyauth", got)

	_, ok = p.KeyAuth("www.example.com", "tok-unknown")
	assert.False(t, ok)
	_, ok = p.KeyAuth("other.example.com", "tok-1")
	assert.False(t, ok)

	require.NoError(t, p.CleanUp("www.example.com", "tok-1", "tok-1.keyauth"))
	_, ok = p.KeyAuth("www.example.com", "tok-1")
	assert.False(t, ok)

	// The second challenge for the domain survives the cleanup.
	got, ok = p.KeyAuth("www.example.com", "tok-2")
	require.True(t, ok)
	assert.Equal(t, "tok-2.keyauth", got)
}

func TestHTTP01ProviderCleanUpUnknownDomain(t *testing.T) {
	p := NewHTTP01Provider()
	assert.NoError(t, p.CleanUp("nobody.example.com", "tok", "keyauth"))
}

func selfSignedPEM(t *testing.T, dnsNames []string) (certPEM, keyPEM []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: dnsNames[0]},
		DNSNames:     dnsNames,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(90 * 24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestImportCertificateServesWildcard(t *testing.T) {
	st := store.NewMemStore()
	m := &Manager{store: st, cache: make(map[string]*tls.Certificate)}

	certPEM, keyPEM := selfSignedPEM(t, []string{"*.hutch.dev"})
	cert, err := m.ImportCertificate(certPEM, keyPEM)
	require.NoError(t, err)
	assert.False(t, cert.AutoRenew)
	assert.Equal(t, []string{"*.hutch.dev"}, cert.Domains)

	// The imported wildcard is the proxy's fallback for assigned hostnames.
	pair, err := m.Lookup("webshop.hutch.dev")
	require.NoError(t, err)
	assert.NotNil(t, pair)
}

func TestImportCertificateReplacesSameDomains(t *testing.T) {
	st := store.NewMemStore()
	m := &Manager{store: st, cache: make(map[string]*tls.Certificate)}

	certPEM, keyPEM := selfSignedPEM(t, []string{"*.hutch.dev"})
	first, err := m.ImportCertificate(certPEM, keyPEM)
	require.NoError(t, err)

	certPEM2, keyPEM2 := selfSignedPEM(t, []string{"*.hutch.dev"})
	second, err := m.ImportCertificate(certPEM2, keyPEM2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	stored, err := st.ListCertificates()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, certPEM2, stored[0].CertPEM)
}

func TestImportCertificateRejectsMismatchedPair(t *testing.T) {
	st := store.NewMemStore()
	m := &Manager{store: st, cache: make(map[string]*tls.Certificate)}

	certPEM, _ := selfSignedPEM(t, []string{"*.hutch.dev"})
	_, otherKey := selfSignedPEM(t, []string{"*.hutch.dev"})

	_, err := m.ImportCertificate(certPEM, otherKey)
	assert.Error(t, err)
}
