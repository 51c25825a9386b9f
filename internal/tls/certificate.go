// Package tls bootstraps the certificate the server listens with.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

const (
	validFor = 365 * 24 * time.Hour
	// certificates closer than this to expiry are replaced on startup
	renewBefore = 30 * 24 * time.Hour
)

// EnsureCertificate makes sure certFile and keyFile hold a usable pair. A
// missing, unreadable or nearly expired pair is replaced by a self-signed
// certificate for hosts.
func EnsureCertificate(certFile, keyFile string, hosts []string) error {
	notAfter, err := expiry(certFile, keyFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		glog.Infof("[tls]no certificate at %s", certFile)
	case err != nil:
		glog.Warningf("[tls]replacing unusable certificate %s: %s", certFile, err)
	case time.Until(notAfter) < renewBefore:
		glog.Infof("[tls]certificate %s expires %s, renewing", certFile, notAfter.Format(time.DateOnly))
	default:
		glog.Infof("[tls]using existing certificate %s", certFile)
		return nil
	}
	return generate(certFile, keyFile, hosts, time.Now())
}

// expiry loads the pair and returns when its leaf certificate expires
func expiry(certFile, keyFile string) (time.Time, error) {
	for _, f := range []string{certFile, keyFile} {
		if _, err := os.Stat(f); err != nil {
			return time.Time{}, err
		}
	}
	pair, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return time.Time{}, err
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return time.Time{}, err
	}
	return leaf.NotAfter, nil
}

func generate(certFile, keyFile string, hosts []string, now time.Time) error {
	if len(hosts) == 0 {
		hosts = []string{"localhost"}
	}
	for _, f := range []string{certFile, keyFile} {
		if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
			return fmt.Errorf("failed to create certificate directory: %w", err)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"mapsync"},
			CommonName:   hosts[0],
		},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(validFor),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to encode private key: %w", err)
	}

	if err := writePEM(keyFile, "PRIVATE KEY", keyDER, 0600); err != nil {
		return err
	}
	if err := writePEM(certFile, "CERTIFICATE", der, 0644); err != nil {
		return err
	}
	glog.Infof("[tls]generated self-signed certificate for %v at %s, key at %s", hosts, certFile, keyFile)
	return nil
}

// writePEM replaces path with one PEM block through a temporary file
func writePEM(path, blockType string, der []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path))
	if err != nil {
		return fmt.Errorf("failed to open %s for writing: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
