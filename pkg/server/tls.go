package server

import (
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	eTLS "gitlab.com/go-extension/tls"
	"go.uber.org/zap"
)

const certReloadDelay = 2 * time.Second

type cert struct {
	ptr atomic.Pointer[eTLS.Certificate]
}

func (c *cert) get() *eTLS.Certificate {
	return c.ptr.Load()
}

func (c *cert) set(newCert *eTLS.Certificate) {
	c.ptr.Store(newCert)
}

// certWatcher keeps a certificate loaded from certFile and keyFile and
// reloads it when either file changes.
type certWatcher struct {
	certFile, keyFile string
	logger            *zap.Logger

	c       cert
	watcher *fsnotify.Watcher
}

func newCertWatcher(certFile, keyFile string, logger *zap.Logger) (*certWatcher, error) {
	c, err := eTLS.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	w := &certWatcher{certFile: certFile, keyFile: keyFile, logger: logger}
	w.c.set(&c)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate watcher, %w", err)
	}
	w.watcher = watcher
	w.watch()
	go w.loop()
	return w, nil
}

func (w *certWatcher) watch() {
	for _, f := range [...]string{w.certFile, w.keyFile} {
		_ = w.watcher.Remove(f)
		if err := w.watcher.Add(f); err != nil {
			w.logger.Warn("failed to watch file", zap.String("file", f), zap.Error(err))
		}
	}
}

func (w *certWatcher) reload() {
	c, err := eTLS.LoadX509KeyPair(w.certFile, w.keyFile)
	if err != nil {
		w.logger.Error("failed to reload certificate", zap.String("file", w.certFile), zap.Error(err))
		return
	}
	w.c.set(&c)
	w.logger.Info("certificate reloaded", zap.String("file", w.certFile))
}

func (w *certWatcher) loop() {
	timer := time.NewTimer(certReloadDelay)
	timer.Stop()
	defer timer.Stop()

	// Editors and cert managers replace files instead of writing them.
	needReWatch := false
	for {
		select {
		case e, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if e.Has(fsnotify.Chmod) {
				continue
			}
			if e.Has(fsnotify.Remove) || e.Has(fsnotify.Rename) {
				needReWatch = true
			}
			timer.Reset(certReloadDelay)

		case <-timer.C:
			if needReWatch {
				needReWatch = false
				w.watch()
			}
			w.reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("certificate watcher error", zap.Error(err))
		}
	}
}

func (w *certWatcher) Close() error {
	return w.watcher.Close()
}

func (w *certWatcher) getCertificate(allowedSNI string) func(*eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
	return func(chi *eTLS.ClientHelloInfo) (*eTLS.Certificate, error) {
		c := w.c.get()
		if c == nil {
			return nil, errors.New("certificate not available")
		}
		if allowedSNI != "" && chi.ServerName != "" && chi.ServerName != allowedSNI {
			return nil, errors.New("invalid sni")
		}
		return c, nil
	}
}

// CreateETLSListener wraps l into a DoT listener using the server
// certificate. The certificate is reloaded when its files change.
func (s *Server) CreateETLSListener(l net.Listener) (net.Listener, error) {
	if s.opts.Cert == "" || s.opts.Key == "" {
		return nil, errors.New("missing certificate for tls listener")
	}

	w, err := newCertWatcher(s.opts.Cert, s.opts.Key, s.opts.Logger)
	if err != nil {
		return nil, err
	}
	if !s.trackCloser(w, true) {
		w.Close()
		return nil, ErrServerClosed
	}

	var ticketKey [32]byte
	if _, err := rand.Read(ticketKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate session ticket key, %w", err)
	}

	return eTLS.NewListener(l, &eTLS.Config{
		SessionTicketKey: ticketKey,
		KernelTX:         s.opts.KernelTX,
		KernelRX:         s.opts.KernelRX,
		NextProtos:       []string{"dot"},

		CertificateCompressionPreferences: []eTLS.CertificateCompressionAlgorithm{
			eTLS.Brotli,
			eTLS.Zlib,
		},

		PreferCipherSuites: true,
		CipherSuites: []uint16{
			eTLS.TLS_AES_128_GCM_SHA256,
			eTLS.TLS_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
			eTLS.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			eTLS.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
		},

		CurvePreferences: []eTLS.CurveID{
			eTLS.X25519,
			eTLS.CurveP256,
		},

		GetCertificate: w.getCertificate(s.opts.AllowedSNI),
	}), nil
}
