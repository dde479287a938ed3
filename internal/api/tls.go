package api

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

// SetTLS configures server certificate paths. When caCert is non-empty,
// clients must present a certificate signed by that CA.
func (s *Server) SetTLS(cert, key, caCert string) {
	s.tlsCert = cert
	s.tlsKey = key
	s.tlsCA = caCert
}

// ListenAndServe starts the HTTP(S) listener and blocks until shutdown.
// Without a configured certificate the server runs plaintext with a
// warning; this is only appropriate behind a trusted proxy.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.tlsCert == "" || s.tlsKey == "" {
		s.log.Warn("TLS not configured, serving plaintext", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}
	if s.tlsCA != "" {
		caPEM, err := os.ReadFile(s.tlsCA)
		if err != nil {
			return fmt.Errorf("read client CA cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("no certificates found in %s", s.tlsCA)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
		s.log.Info("mutual TLS enabled", "client_ca", s.tlsCA)
	}
	s.httpServer.TLSConfig = tlsCfg

	s.log.Info("serving TLS", "addr", addr, "cert", s.tlsCert)
	if err := s.httpServer.ListenAndServeTLS(s.tlsCert, s.tlsKey); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
