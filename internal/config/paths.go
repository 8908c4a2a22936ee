package config

import (
	"os"
	"path/filepath"
)

// Paths resolves the fixed layout of the Gateway's persisted state under BaseDir.
type Paths struct {
	Base string
}

// NewPaths returns a Paths rooted at baseDir.
func NewPaths(baseDir string) *Paths {
	return &Paths{Base: baseDir}
}

// Ensure creates the directory tree required by the Gateway on first run.
func (p *Paths) Ensure() error {
	for _, dir := range []string{p.Base, p.TLSDir(), p.LogDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}

// DBPath returns the path to the embedded SQL store.
func (p *Paths) DBPath() string {
	return filepath.Join(p.Base, "dorabot.db")
}

// TokenPath returns the path to the auth token file.
func (p *Paths) TokenPath() string {
	return filepath.Join(p.Base, "gateway-token")
}

// TLSDir returns the directory holding the self-signed TLS material.
func (p *Paths) TLSDir() string {
	return filepath.Join(p.Base, "tls")
}

// CertPath returns the path to the TLS certificate.
func (p *Paths) CertPath() string {
	return filepath.Join(p.TLSDir(), "cert.pem")
}

// KeyPath returns the path to the TLS private key.
func (p *Paths) KeyPath() string {
	return filepath.Join(p.TLSDir(), "key.pem")
}

// LogDir returns the directory holding rotated log files.
func (p *Paths) LogDir() string {
	return filepath.Join(p.Base, "logs")
}
