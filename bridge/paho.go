// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const disconnectQuiesce = 250 // milliseconds

// PahoConfig holds the broker connection parameters.
type PahoConfig struct {
	BrokerURL      string        // e.g. "tcp://192.168.1.44:1883" or "tls://host:8883"
	ClientIDPrefix string        // A unique suffix is appended per process
	Username       string        // Optional username
	Password       string        // Optional password
	KeepAlive      time.Duration // Keep-alive interval
	ConnectTimeout time.Duration // Network dial and CONNACK timeout, 0 uses DefaultConnectTimeout

	// TLS, used for tls://, ssl:// and mqtts:// URLs.
	CAFile             string
	CertFile           string
	KeyFile            string
	InsecureSkipVerify bool
}

var _ Transport = (*PahoTransport)(nil)

// PahoTransport implements Transport over the Eclipse Paho client with its
// automatic reconnection disabled.
type PahoTransport struct {
	cfg    PahoConfig
	client mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	lost chan error
}

// NewPahoTransport creates a transport. It does not connect.
func NewPahoTransport(cfg PahoConfig, logger *slog.Logger) (*PahoTransport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BrokerURL == "" {
		return nil, ErrNoBroker
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}

	t := &PahoTransport{
		cfg:    cfg,
		logger: logger,
		lost:   make(chan error, 1),
	}

	opts, err := t.clientOptions()
	if err != nil {
		return nil, err
	}
	t.client = mqtt.NewClient(opts)

	return t, nil
}

// Connect dials the broker and waits for CONNACK.
func (t *PahoTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.lost = make(chan error, 1)
	t.mu.Unlock()

	if err := wait(ctx, t.client.Connect()); err != nil {
		// Abort a handshake still in flight so the next attempt starts clean.
		t.client.Disconnect(0)
		return err
	}
	return nil
}

// Subscribe subscribes filter and waits for SUBACK.
func (t *PahoTransport) Subscribe(ctx context.Context, filter string, qos byte, h Handler) error {
	token := t.client.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return err
	}

	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, ok := st.Result()[filter]; ok && code == 0x80 {
			return fmt.Errorf("broker rejected subscription to %q", filter)
		}
	}
	return nil
}

// Lost returns the loss channel of the current connection.
func (t *PahoTransport) Lost() <-chan error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lost
}

// Disconnect closes the connection.
func (t *PahoTransport) Disconnect() {
	if t.client.IsConnectionOpen() {
		t.client.Disconnect(disconnectQuiesce)
	}
}

func (t *PahoTransport) onConnectionLost(_ mqtt.Client, err error) {
	t.mu.Lock()
	lost := t.lost
	t.mu.Unlock()

	select {
	case lost <- err:
	default:
	}
}

func (t *PahoTransport) clientOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(t.cfg.BrokerURL).
		SetClientID(t.cfg.ClientIDPrefix + uuid.NewString()[:8]).
		SetUsername(t.cfg.Username).
		SetPassword(t.cfg.Password).
		SetKeepAlive(t.cfg.KeepAlive).
		SetConnectTimeout(t.cfg.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectionLostHandler(t.onConnectionLost)

	if isTLS(t.cfg.BrokerURL) {
		tlsConfig, err := newTLSConfig(t.cfg)
		if err != nil {
			return nil, err
		}
		opts.SetTLSConfig(tlsConfig)
		t.logger.Info("broker_tls_configured", slog.String("broker", t.cfg.BrokerURL))
	}

	return opts, nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrConnectTimeout, ctx.Err())
	}
}

func isTLS(url string) bool {
	u := strings.ToLower(url)
	return strings.HasPrefix(u, "tls://") || strings.HasPrefix(u, "ssl://") || strings.HasPrefix(u, "mqtts://")
}

func newTLSConfig(cfg PahoConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CAFile)
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
