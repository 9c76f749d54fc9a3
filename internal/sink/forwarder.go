package sink

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"xdrforward/internal/mapping"
)

const defaultForwarderTimeout = 15 * time.Second

// TLSOptions describes the optional TLS upgrade of the sink stream.
// Params: CA bundle, client certificate pair, verification switch, SNI override.
// Returns: TLS settings consumed by BuildTLSConfig.
type TLSOptions struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	Verify     bool
	ServerName string
}

// BuildTLSConfig loads certificates for the sink connection.
// Params: opts TLS options.
// Returns: TLS config or file/parse error.
func BuildTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(opts.ServerName),
		InsecureSkipVerify: !opts.Verify,
	}

	if caFile := strings.TrimSpace(opts.CAFile); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read ca file %q: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("ca file %q contains no certificates", caFile)
		}
		cfg.RootCAs = pool
	}

	certFile, keyFile := strings.TrimSpace(opts.CertFile), strings.TrimSpace(opts.KeyFile)
	if certFile != "" || keyFile != "" {
		if certFile == "" || keyFile == "" {
			return nil, fmt.Errorf("cert_file and key_file must be set together")
		}
		pair, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}

	return cfg, nil
}

// ForwarderConfig defines the Logstash stream endpoint(s).
// Params: Addr host:port list tried in order; Timeout per dial+write; TLS nil for plain TCP.
// Returns: forwarder settings.
type ForwarderConfig struct {
	Addr    []string
	Timeout time.Duration
	TLS     *tls.Config
}

type dialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Forwarder streams newline-delimited JSON batches over TCP or TLS.
// Each batch uses a fresh connection which is closed after the last line.
type Forwarder struct {
	addrs   []string
	timeout time.Duration
	tls     *tls.Config
	logger  *slog.Logger
	dial    dialFunc
}

// NewForwarder validates endpoint settings and builds a forwarder.
// Params: cfg endpoint settings; logger receives failover warnings.
// Returns: forwarder or validation error.
func NewForwarder(cfg ForwarderConfig, logger *slog.Logger) (*Forwarder, error) {
	addrs := make([]string, 0, len(cfg.Addr))
	for idx, addr := range cfg.Addr {
		value := strings.TrimSpace(addr)
		if value == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(value); err != nil {
			return nil, fmt.Errorf("addr[%d] must be host:port: %w", idx, err)
		}
		addrs = append(addrs, value)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("at least one sink address is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultForwarderTimeout
	}

	dialer := &net.Dialer{Timeout: timeout}
	return &Forwarder{
		addrs:   addrs,
		timeout: timeout,
		tls:     cfg.TLS,
		logger:  logger,
		dial:    dialer.DialContext,
	}, nil
}

// SendBatch writes every document as one JSON line. An empty batch opens no connection.
// Params: ctx delivery context; docs batch.
// Returns: nil on first address that accepts the whole batch, *SendError otherwise.
func (f *Forwarder) SendBatch(ctx context.Context, docs []mapping.Document) error {
	if len(docs) == 0 {
		return nil
	}

	payload, err := EncodeLines(docs)
	if err != nil {
		return &SendError{Target: strings.Join(f.addrs, ","), Events: len(docs), Err: err}
	}

	var lastErr error
	lastAddr := ""
	for _, addr := range f.addrs {
		sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
		err := f.sendTo(sendCtx, addr, payload)
		cancel()
		if err == nil {
			return nil
		}
		lastErr, lastAddr = err, addr
		f.logger.Warn("send attempt failed", slog.String("address", addr), slog.String("error", err.Error()))
	}
	return &SendError{Target: lastAddr, Events: len(docs), Err: lastErr}
}

// sendTo opens one connection, optionally upgrades it to TLS, writes payload and closes.
func (f *Forwarder) sendTo(ctx context.Context, addr string, payload []byte) error {
	conn, err := f.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	if f.tls != nil {
		tlsConn := tls.Client(conn, f.tlsConfigFor(addr))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			_ = conn.Close()
			return fmt.Errorf("set write deadline %s: %w", addr, err)
		}
	}

	if _, err := conn.Write(payload); err != nil {
		_ = conn.Close()
		return fmt.Errorf("write %s: %w", addr, err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", addr, err)
	}
	return nil
}

// tlsConfigFor fills SNI from the address host when not configured.
func (f *Forwarder) tlsConfigFor(addr string) *tls.Config {
	cfg := f.tls.Clone()
	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(addr); err == nil {
			cfg.ServerName = host
		}
	}
	return cfg
}
