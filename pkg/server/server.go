// Package server implements the drop-four matchmaking and game server.
package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NicolasHaas/dropfour/pkg/datastore"
)

// MatchmakingMode selects how lobby users get paired.
type MatchmakingMode string

const (
	// MatchmakingAuto pairs a user with the longest-waiting free user at login.
	MatchmakingAuto MatchmakingMode = "auto"
	// MatchmakingChallenge pairs users only through the challenge handshake.
	MatchmakingChallenge MatchmakingMode = "challenge"
)

// Config holds server configuration.
type Config struct {
	ListenAddr string // TCP bind address for game clients (e.g. ":5555")
	HTTPAddr   string // HTTP bind address for /metrics, /matches and /ws (empty = disabled)
	DBPath     string // SQLite ledger path, ":memory:" keeps it in process

	TLS      bool   // wrap the game listener in TLS
	CertFile string // TLS certificate file path
	KeyFile  string // TLS private key file path
	DataDir  string // directory for generated certs

	Matchmaking  MatchmakingMode
	IdleTimeout  time.Duration // drop clients silent this long (0 = never)
	WriteTimeout time.Duration // per-message write deadline
	SendQueue    int           // outbound messages buffered per client

	MetricsLogInterval time.Duration // periodic metrics summary (0 = off)
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:         ":5555",
		HTTPAddr:           ":5556",
		DBPath:             datastore.MemoryPath,
		DataDir:            ".",
		Matchmaking:        MatchmakingAuto,
		WriteTimeout:       10 * time.Second,
		SendQueue:          64,
		MetricsLogInterval: 60 * time.Second,
	}
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen address is required")
	}
	switch c.Matchmaking {
	case MatchmakingAuto, MatchmakingChallenge:
	default:
		return fmt.Errorf("config: unknown matchmaking mode %q", c.Matchmaking)
	}
	if c.SendQueue < 1 {
		return fmt.Errorf("config: send queue must be positive, got %d", c.SendQueue)
	}
	if c.IdleTimeout < 0 || c.WriteTimeout < 0 || c.MetricsLogInterval < 0 {
		return errors.New("config: durations must not be negative")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("config: cert and key files must be set together")
	}
	return nil
}

// Dependencies holds external dependencies for the server.
// Server assumes ownership of Store and will Close() it when Run returns.
// A nil Store disables the match ledger.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// loadOrGenerateTLS loads TLS cert/key from disk or generates a self-signed pair.
func loadOrGenerateTLS(cfg Config) (tls.Certificate, error) {
	certPath := cfg.CertFile
	keyPath := cfg.KeyFile
	if certPath == "" {
		certPath = filepath.Join(cfg.DataDir, "dropfour.crt")
	}
	if keyPath == "" {
		keyPath = filepath.Join(cfg.DataDir, "dropfour.key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err == nil {
		slog.Info("loaded TLS certificate", "cert", certPath)
		return cert, nil
	}
	if cfg.CertFile != "" {
		return tls.Certificate{}, fmt.Errorf("load key pair: %w", err)
	}

	slog.Info("generating self-signed TLS certificate", "dir", cfg.DataDir)
	certPEM, keyPEM, err := selfSignedPEM(time.Now())
	if err != nil {
		return tls.Certificate{}, err
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil { //nolint:gosec // public certificate
		return tls.Certificate{}, fmt.Errorf("write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("write key: %w", err)
	}
	slog.Info("TLS certificate generated", "cert", certPath, "key", keyPath)

	return tls.X509KeyPair(certPEM, keyPEM)
}

// selfSignedPEM creates a one-year ECDSA certificate for localhost.
func selfSignedPEM(now time.Time) (certPEM, keyPEM []byte, err error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("serial number: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"dropfour"}},
		NotBefore:    now,
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("create cert: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal key: %w", err)
	}
	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM, nil
}

// Server is the drop-four game server.
type Server struct {
	cfg      Config
	registry *Registry
	metrics  *Metrics
	store    datastore.DataProviderFactory

	nextID atomic.Uint64

	mu        sync.Mutex
	listeners []net.Listener
	httpSrv   *http.Server
	sessions  map[uint64]*Session // every open connection, logged in or not
	workers   sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  NewMetrics(),
		store:    deps.Store,
		sessions: make(map[uint64]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the user registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
