package httpx

import "golang.org/x/crypto/acme/autocert"

// certCacheDir keeps issued certificates between restarts.
const certCacheDir = ".cache/certs"

type TLS struct {
	CertManager *autocert.Manager
}

// NewTLSConfig sets up automatic certificate issuance, restricted to the
// given host unless it is empty.
func NewTLSConfig(host string) *TLS {
	m := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache(certCacheDir),
	}
	if host != "" {
		m.HostPolicy = autocert.HostWhitelist(host)
	}
	return &TLS{CertManager: m}
}
