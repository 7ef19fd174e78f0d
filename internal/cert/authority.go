// Package cert keeps a small certificate authority on disk for the agent
// gRPC listener: it issues the server certificate and agent client
// certificates used for mutual TLS.
package cert

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"
)

const (
	organization = "Silo Fleet"
	keyBits      = 2048

	caValidity   = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

var ErrNoCA = errors.New("certificate authority not loaded")

// Paths names the PEM files managed by an Authority.
type Paths struct {
	CACert     string
	CAKey      string
	ServerCert string
	ServerKey  string
}

type Authority struct {
	paths   Paths
	hosts   []string
	ips     []net.IP
	caCert  *x509.Certificate
	caKey   *rsa.PrivateKey
	created bool
}

// Open loads the CA at paths, generating and writing a new one when either
// file is missing. Hosts are the DNS names and IP addresses the server
// certificate is valid for; localhost is used when none are given.
func Open(paths Paths, hosts []string) (*Authority, error) {
	a := &Authority{paths: paths}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			a.ips = append(a.ips, ip)
		} else if h != "" {
			a.hosts = append(a.hosts, h)
		}
	}
	if len(a.hosts) == 0 && len(a.ips) == 0 {
		a.hosts = []string{"localhost"}
		a.ips = []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	}

	if fileExists(paths.CACert) && fileExists(paths.CAKey) {
		caCert, caKey, err := loadCA(paths.CACert, paths.CAKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load existing CA certificate: %w", err)
		}
		a.caCert, a.caKey = caCert, caKey
		slog.Debug("Using existing CA certificate", "cert_path", paths.CACert)
		return a, nil
	}

	slog.Info("CA certificate not found, generating new CA", "cert_path", paths.CACert)
	caCert, caKey, err := generateCA()
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA certificate: %w", err)
	}
	if err := writePair(caCert, caKey, paths.CACert, paths.CAKey); err != nil {
		return nil, err
	}
	a.caCert, a.caKey, a.created = caCert, caKey, true
	slog.Info("Generated CA certificate", "cert_path", paths.CACert, "key_path", paths.CAKey)
	return a, nil
}

// EnsureServer writes a server certificate signed by the CA unless one is
// already present. A new CA always gets a new server certificate.
func (a *Authority) EnsureServer() error {
	if a.caKey == nil {
		return ErrNoCA
	}
	if !a.created && fileExists(a.paths.ServerCert) && fileExists(a.paths.ServerKey) {
		slog.Debug("Using existing server certificate", "cert_path", a.paths.ServerCert)
		return nil
	}

	commonName := "localhost"
	if len(a.hosts) > 0 {
		commonName = a.hosts[0]
	}
	cert, key, err := a.sign(&x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: commonName},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    a.hosts,
		IPAddresses: a.ips,
	})
	if err != nil {
		return fmt.Errorf("failed to generate server certificate: %w", err)
	}
	if err := writePair(cert, key, a.paths.ServerCert, a.paths.ServerKey); err != nil {
		return err
	}

	slog.Info("Generated server certificate",
		"cert_path", a.paths.ServerCert,
		"domains", a.hosts,
		"ips", a.ips)
	return nil
}

// IssueAgent writes a client certificate for the agent on hostname.
func (a *Authority) IssueAgent(hostname, certPath, keyPath string) error {
	if a.caKey == nil {
		return ErrNoCA
	}
	if hostname == "" {
		return errors.New("agent hostname is required")
	}

	cert, key, err := a.sign(&x509.Certificate{
		Subject:     pkix.Name{Organization: []string{organization}, CommonName: hostname},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return fmt.Errorf("failed to generate agent certificate: %w", err)
	}
	if err := writePair(cert, key, certPath, keyPath); err != nil {
		return err
	}

	slog.Info("Issued agent certificate", "hostname", hostname, "cert_path", certPath)
	return nil
}

func (a *Authority) sign(template *x509.Certificate) (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Minute)
	template.NotAfter = now.Add(leafValidity)
	template.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	template.BasicConstraintsValid = true

	der, err := x509.CreateCertificate(rand.Reader, template, a.caCert, &key.PublicKey, a.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, key, nil
}

func generateCA() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate CA key: %w", err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   organization + " CA",
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}
	return cert, key, nil
}

func serialNumber() (*big.Int, error) {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}
	return n, nil
}
