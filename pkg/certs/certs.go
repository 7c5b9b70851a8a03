package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cloudhutch/hutch/pkg/config"
	"github.com/cloudhutch/hutch/pkg/events"
	"github.com/cloudhutch/hutch/pkg/log"
	"github.com/cloudhutch/hutch/pkg/metrics"
	"github.com/cloudhutch/hutch/pkg/store"
	"github.com/cloudhutch/hutch/pkg/types"
)

// acmeUser implements the lego user interface for ACME registration
type acmeUser struct {
	Email        string
	Registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *acmeUser) GetEmail() string                        { return u.Email }
func (u *acmeUser) GetRegistration() *registration.Resource { return u.Registration }
func (u *acmeUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

// storedAccount is the persisted form of the ACME registration.
type storedAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	KeyPEM       []byte                 `json:"key_pem"`
}

// Manager owns certificate issuance, renewal, and lookup. It is the only
// component that writes certificate material to the store.
type Manager struct {
	store    store.Store
	cfg      config.ACMEConfig
	client   *lego.Client
	user     *acmeUser
	provider *HTTP01Provider
	broker   *events.Broker
	logger   zerolog.Logger

	mu sync.Mutex
	// parsed keypairs by certificate ID, invalidated on renewal
	cache map[string]*tls.Certificate
}

// NewManager builds the ACME client, reusing a persisted account when one
// exists and registering a fresh one otherwise.
func NewManager(st store.Store, cfg config.ACMEConfig) (*Manager, error) {
	user, err := loadOrCreateUser(st, cfg.Email)
	if err != nil {
		return nil, err
	}

	legoCfg := lego.NewConfig(user)
	legoCfg.CADirURL = cfg.DirectoryURL
	legoCfg.Certificate.KeyType = certcrypto.RSA2048

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ACME client: %w", err)
	}

	provider := NewHTTP01Provider()
	if err := client.Challenge.SetHTTP01Provider(provider); err != nil {
		return nil, fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	m := &Manager{
		store:    st,
		cfg:      cfg,
		client:   client,
		user:     user,
		provider: provider,
		logger:   log.WithComponent("certs"),
		cache:    make(map[string]*tls.Certificate),
	}

	if user.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return nil, fmt.Errorf("failed to register with ACME server: %w", err)
		}
		user.Registration = reg
		if err := m.saveAccount(); err != nil {
			return nil, err
		}
		m.logger.Info().Str("email", cfg.Email).Msg("ACME account registered")
	}

	return m, nil
}

func loadOrCreateUser(st store.Store, email string) (*acmeUser, error) {
	data, err := st.GetACMEAccount()
	if err == nil && len(data) > 0 {
		var acct storedAccount
		if err := json.Unmarshal(data, &acct); err != nil {
			return nil, fmt.Errorf("failed to decode stored ACME account: %w", err)
		}
		block, _ := pem.Decode(acct.KeyPEM)
		if block == nil {
			return nil, errors.New("stored ACME account key is not PEM")
		}
		key, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored ACME account key: %w", err)
		}
		return &acmeUser{Email: acct.Email, Registration: acct.Registration, key: key}, nil
	}
	if err != nil && !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ACME account key: %w", err)
	}
	return &acmeUser{Email: email, key: key}, nil
}

func (m *Manager) saveAccount() error {
	key, ok := m.user.key.(*ecdsa.PrivateKey)
	if !ok {
		return errors.New("unexpected ACME account key type")
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal ACME account key: %w", err)
	}
	acct := storedAccount{
		Email:        m.user.Email,
		Registration: m.user.Registration,
		KeyPEM:       pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}),
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("failed to marshal ACME account: %w", err)
	}
	return m.store.SaveACMEAccount(data)
}

// Provider returns the HTTP-01 challenge provider, served by the proxy.
func (m *Manager) Provider() *HTTP01Provider { return m.provider }

// SetBroker enables issuance and renewal events. May stay unset.
func (m *Manager) SetBroker(b *events.Broker) { m.broker = b }

func (m *Manager) publish(typ events.EventType, cert *types.Certificate) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		ID:      uuid.New().String(),
		Type:    typ,
		Message: strings.Join(cert.Domains, ","),
		Metadata: map[string]string{
			"certificate_id": cert.ID,
			"not_after":      cert.NotAfter.Format(time.RFC3339),
		},
	})
}

// ImportCertificate stores an operator-supplied PEM pair, typically the
// platform wildcard that HTTP-01 cannot issue. Re-importing the same
// domains replaces the stored material. Imported certificates are never
// auto-renewed.
func (m *Manager) ImportCertificate(certPEM, keyPEM []byte) (*types.Certificate, error) {
	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return nil, fmt.Errorf("invalid certificate pair: %w", err)
	}
	leaf, err := parseLeaf(certPEM)
	if err != nil {
		return nil, err
	}
	domains := leaf.DNSNames
	if len(domains) == 0 && leaf.Subject.CommonName != "" {
		domains = []string{leaf.Subject.CommonName}
	}
	if len(domains) == 0 {
		return nil, errors.New("certificate names no domains")
	}

	now := time.Now()
	cert := &types.Certificate{
		ID:        uuid.New().String(),
		Domains:   domains,
		CertPEM:   certPEM,
		KeyPEM:    keyPEM,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		AutoRenew: false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if existing, err := m.store.ListCertificates(); err == nil {
		for _, old := range existing {
			if sameDomains(old.Domains, domains) {
				cert.ID = old.ID
				cert.CreatedAt = old.CreatedAt
				break
			}
		}
	}
	if err := m.store.PutCertificate(cert); err != nil {
		return nil, fmt.Errorf("failed to store imported certificate: %w", err)
	}

	m.mu.Lock()
	delete(m.cache, cert.ID)
	m.mu.Unlock()

	m.logger.Info().
		Strs("domains", domains).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate imported")
	m.publish(events.EventCertificateIssued, cert)
	return cert, nil
}

// ImportCertificateFiles reads and imports a PEM pair from disk.
func (m *Manager) ImportCertificateFiles(certFile, keyFile string) (*types.Certificate, error) {
	certPEM, err := os.ReadFile(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return m.ImportCertificate(certPEM, keyPEM)
}

func sameDomains(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]bool, len(a))
	for _, d := range a {
		seen[d] = true
	}
	for _, d := range b {
		if !seen[d] {
			return false
		}
	}
	return true
}

// Ensure makes sure every domain is covered by a stored certificate,
// issuing one certificate for the uncovered set if needed.
func (m *Manager) Ensure(ctx context.Context, domains []string) error {
	var missing []string
	for _, d := range domains {
		if _, err := m.store.CertificateForHost(d); err != nil {
			if !errors.Is(err, types.ErrNotFound) {
				return err
			}
			missing = append(missing, d)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	_, err := m.Obtain(ctx, missing)
	return err
}

// Obtain requests a certificate for the domains and stores it.
func (m *Manager) Obtain(ctx context.Context, domains []string) (*types.Certificate, error) {
	m.logger.Info().Strs("domains", domains).Msg("Requesting certificate")

	res, err := m.client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: domains,
		Bundle:  true,
	})
	if err != nil {
		metrics.CertificateRenewals.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("failed to obtain certificate: %w", err)
	}

	leaf, err := parseLeaf(res.Certificate)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	cert := &types.Certificate{
		ID:        uuid.New().String(),
		Domains:   domains,
		CertPEM:   res.Certificate,
		KeyPEM:    res.PrivateKey,
		Issuer:    leaf.Issuer.CommonName,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		AutoRenew: true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.PutCertificate(cert); err != nil {
		return nil, fmt.Errorf("failed to store certificate: %w", err)
	}
	metrics.CertificateRenewals.WithLabelValues("issued").Inc()

	m.logger.Info().
		Strs("domains", domains).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate obtained")
	m.publish(events.EventCertificateIssued, cert)
	return cert, nil
}

// Renew replaces the certificate's material in place. The store write is
// atomic, so Lookup sees either the old or the new certificate.
func (m *Manager) Renew(ctx context.Context, cert *types.Certificate) error {
	m.logger.Info().Strs("domains", cert.Domains).Msg("Renewing certificate")

	renewed, err := m.client.Certificate.Renew(certificate.Resource{
		Certificate: cert.CertPEM,
		PrivateKey:  cert.KeyPEM,
	}, true, false, "")
	if err != nil {
		metrics.CertificateRenewals.WithLabelValues("failed").Inc()
		return fmt.Errorf("failed to renew certificate: %w", err)
	}

	leaf, err := parseLeaf(renewed.Certificate)
	if err != nil {
		return err
	}

	cert.CertPEM = renewed.Certificate
	cert.KeyPEM = renewed.PrivateKey
	cert.Issuer = leaf.Issuer.CommonName
	cert.NotBefore = leaf.NotBefore
	cert.NotAfter = leaf.NotAfter
	cert.UpdatedAt = time.Now()

	if err := m.store.PutCertificate(cert); err != nil {
		return fmt.Errorf("failed to store renewed certificate: %w", err)
	}
	metrics.CertificateRenewals.WithLabelValues("renewed").Inc()

	m.mu.Lock()
	delete(m.cache, cert.ID)
	m.mu.Unlock()

	m.logger.Info().
		Strs("domains", cert.Domains).
		Time("not_after", leaf.NotAfter).
		Msg("Certificate renewed")
	m.publish(events.EventCertificateRenewed, cert)
	return nil
}

// RenewDue renews every auto-renewable certificate inside its renewal
// window. One failed renewal does not stop the sweep.
func (m *Manager) RenewDue(ctx context.Context) error {
	certs, err := m.store.ListCertificates()
	if err != nil {
		return fmt.Errorf("failed to list certificates: %w", err)
	}
	metrics.CertificatesTotal.Set(float64(len(certs)))

	now := time.Now()
	for _, cert := range certs {
		if !cert.AutoRenew {
			continue
		}
		if cert.NotAfter.Sub(now) > m.cfg.RenewBefore {
			continue
		}
		if err := m.Renew(ctx, cert); err != nil {
			m.logger.Error().Err(err).Strs("domains", cert.Domains).Msg("Renewal failed")
		}
	}
	return nil
}

// Lookup resolves the certificate to present for an SNI server name.
// Returns types.ErrNotFound when nothing covers the name.
func (m *Manager) Lookup(serverName string) (*tls.Certificate, error) {
	stored, err := m.store.CertificateForHost(serverName)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if parsed, ok := m.cache[stored.ID]; ok {
		return parsed, nil
	}
	pair, err := tls.X509KeyPair(stored.CertPEM, stored.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored certificate %s: %w", stored.ID, err)
	}
	m.cache[stored.ID] = &pair
	return &pair, nil
}

func parseLeaf(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, errors.New("failed to decode certificate PEM")
	}
	leaf, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return leaf, nil
}
