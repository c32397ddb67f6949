// Package certs generates and inspects per-instance self-signed server
// certificates. Certificates are leaf server certs only (no CA basic
// constraint, server-auth extended key usage) so a leaked instance cert can
// never sign for anything else.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"
)

// Artifact file names inside an instance directory.
const (
	CertFileName = "cert.pem"
	KeyFileName  = "key.pem"
)

// File permissions: the daemon's runtime user reads both; the key is never
// readable by other users (and so never by other instances' daemons).
const (
	certFileMode = 0644
	keyFileMode  = 0600
)

// Params configures certificate generation. Zero values take defaults.
type Params struct {
	CommonName   string
	Organization string
	ValidityDays int // default 365
	KeySize      int // RSA bits: 2048 (default), 3072, or 4096
}

// Info holds the parsed fields of an instance certificate.
type Info struct {
	CommonName string    `json:"common_name"`
	NotBefore  time.Time `json:"not_before"`
	NotAfter   time.Time `json:"not_after"`
	KeySize    int       `json:"key_size"`
}

// Error wraps cryptographic and filesystem failures during certificate
// operations. Matched with errors.As by the facade.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("certificate %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func certErr(op string, err error) error { return &Error{Op: op, Err: err} }

// Generate creates a new RSA key pair and self-signed server certificate,
// writing cert.pem and key.pem into dir. Existing files are overwritten in
// place (regeneration); the caller is responsible for restarting the daemon
// process afterwards. Both files go through a temp-file-then-rename write, so
// a crash mid-generation never leaves a partial key on disk.
func Generate(dir string, p Params) error {
	if p.ValidityDays <= 0 {
		p.ValidityDays = 365
	}
	if p.KeySize == 0 {
		p.KeySize = 2048
	}
	if p.KeySize != 2048 && p.KeySize != 3072 && p.KeySize != 4096 {
		return certErr("generate", fmt.Errorf("invalid key size %d (must be 2048, 3072, or 4096)", p.KeySize))
	}
	if p.Organization == "" {
		p.Organization = "proxfleet"
	}
	if p.CommonName == "" {
		return certErr("generate", fmt.Errorf("common name is required"))
	}

	info, err := os.Stat(dir)
	if err != nil {
		return certErr("generate", fmt.Errorf("certificate directory: %w", err))
	}
	if info.Mode().Perm()&0002 != 0 {
		return certErr("generate", fmt.Errorf("refusing world-writable directory %s", dir))
	}

	key, err := rsa.GenerateKey(rand.Reader, p.KeySize)
	if err != nil {
		return certErr("generate", fmt.Errorf("generate RSA key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return certErr("generate", fmt.Errorf("generate serial number: %w", err))
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   p.CommonName,
			Organization: []string{p.Organization},
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, 0, p.ValidityDays),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  false,
		DNSNames:              []string{p.CommonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return certErr("generate", fmt.Errorf("create certificate: %w", err))
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	if err := writeFileAtomic(filepath.Join(dir, KeyFileName), keyPEM, keyFileMode); err != nil {
		return certErr("write key", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, CertFileName), certPEM, certFileMode); err != nil {
		return certErr("write cert", err)
	}
	return nil
}

// Load parses the certificate in dir and returns its fields. It never needs
// the private key or the generator; a missing certificate is reported as an
// os.ErrNotExist-wrapping error so callers can distinguish "no cert yet".
func Load(dir string) (*Info, error) {
	data, err := os.ReadFile(filepath.Join(dir, CertFileName))
	if err != nil {
		return nil, certErr("read", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, certErr("parse", fmt.Errorf("no certificate PEM block in %s", CertFileName))
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, certErr("parse", err)
	}

	keySize := 0
	if pub, ok := cert.PublicKey.(*rsa.PublicKey); ok {
		keySize = pub.N.BitLen()
	}

	return &Info{
		CommonName: cert.Subject.CommonName,
		NotBefore:  cert.NotBefore,
		NotAfter:   cert.NotAfter,
		KeySize:    keySize,
	}, nil
}

// Exists reports whether an instance certificate is present in dir.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, CertFileName))
	return err == nil
}

// writeFileAtomic writes data to a temp file in the target directory, then
// renames it into place. Readers never observe a half-written file.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
