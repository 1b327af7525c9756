// Package gnmisub receives alerts from a gNMI target. Alerts are streamed as
// JSON values under a subscribed path; control messages are written back
// with Set and heartbeats are answered by a Capabilities probe.
package gnmisub

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/rs/zerolog"
	"github.com/vigilcore/vigil/internal/connection"
	"github.com/vigilcore/vigil/internal/wire"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultProbeTimeout  = 5 * time.Second
	defaultUpdatesBuffer = 256
)

// Config describes the gNMI target.
type Config struct {
	Address     string
	Port        int
	Target      string
	AlertPath   string
	ControlPath string
	Username    string
	Password    string
	TLS         *TLSConfig
	// Dialer overrides how the TCP connection is made.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// Transport dials gNMI subscription channels.
type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

// New creates a gNMI transport.
func New(cfg Config, logger zerolog.Logger) *Transport {
	return &Transport{
		cfg:    cfg,
		logger: logger.With().Str("component", "gnmisub").Str("address", cfg.addr()).Logger(),
	}
}

func (c Config) addr() string {
	if c.Port == 0 {
		return c.Address
	}
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Dial implements connection.Transport: it connects, opens a Subscribe
// stream on the alert path and starts pumping updates.
func (t *Transport) Dial(ctx context.Context) (connection.Channel, error) {
	alertPath, err := parsePath(t.cfg.AlertPath)
	if err != nil {
		return nil, fmt.Errorf("alert path: %w", err)
	}
	var controlPath *gnmi.Path
	if t.cfg.ControlPath != "" {
		if controlPath, err = parsePath(t.cfg.ControlPath); err != nil {
			return nil, fmt.Errorf("control path: %w", err)
		}
	}

	opts, err := t.dialOptions()
	if err != nil {
		return nil, fmt.Errorf("dial options: %w", err)
	}

	t.logger.Info().Msg("Connecting to gNMI target")

	// WithBlock ensures the connection is fully established before returning.
	conn, err := grpc.DialContext(ctx, t.cfg.addr(), append(opts, grpc.WithBlock())...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gNMI server: %w", err)
	}
	client := gnmi.NewGNMIClient(conn)

	streamCtx, cancel := context.WithCancel(context.Background())
	sub, err := client.Subscribe(streamCtx)
	if err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to create subscribe client: %w", err)
	}

	prefix := &gnmi.Path{Target: t.cfg.Target}
	req := &gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Prefix: prefix,
				Subscription: []*gnmi.Subscription{
					{Path: alertPath, Mode: gnmi.SubscriptionMode_ON_CHANGE},
				},
				Mode:     gnmi.SubscriptionList_STREAM,
				Encoding: gnmi.Encoding_JSON,
			},
		},
	}
	if err := sub.Send(req); err != nil {
		cancel()
		conn.Close()
		return nil, fmt.Errorf("failed to start subscription: %w", err)
	}

	ch := &channel{
		conn:        conn,
		client:      client,
		sub:         sub,
		cancel:      cancel,
		prefix:      prefix,
		controlPath: controlPath,
		logger:      t.logger,
		updates:     make(chan []byte, defaultUpdatesBuffer),
		done:        make(chan struct{}),
	}
	go ch.receiveUpdates()

	t.logger.Info().Str("path", pathToString(alertPath)).Msg("gNMI subscription established")
	return ch, nil
}

// dialOptions builds gRPC dial options
func (t *Transport) dialOptions() ([]grpc.DialOption, error) {
	creds, err := t.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}
	if t.cfg.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(t.cfg.Dialer))
	}

	// Basic auth travels as per-RPC metadata, the way gnmic sends it.
	if t.cfg.Username != "" || t.cfg.Password != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{username: t.cfg.Username, password: t.cfg.Password}))
	}
	return opts, nil
}

// transportCredentials returns appropriate transport credentials
func (t *Transport) transportCredentials() (credentials.TransportCredentials, error) {
	cfg := t.cfg.TLS
	if cfg == nil || !cfg.Enabled {
		return insecure.NewCredentials(), nil
	}

	certPool, err := loadCertPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	certs, err := loadClientCert(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsCfg := &tls.Config{
		RootCAs:            certPool,
		Certificates:       certs,
		ServerName:         cfg.ServerName,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return credentials.NewTLS(tlsCfg), nil
}

// loadCertPool loads CA certificates
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.SystemCertPool()
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs")
	}
	return pool, nil
}

// loadClientCert loads client certificate and key
func loadClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

// basicAuth implements gRPC PerRPCCredentials for basic auth
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if b.username == "" && b.password == "" {
		return nil, nil
	}
	auth := b.username + ":" + b.password
	encoded := base64.StdEncoding.EncodeToString([]byte(auth))
	return map[string]string{
		"authorization": "Basic " + encoded,
	}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

type channel struct {
	conn        *grpc.ClientConn
	client      gnmi.GNMIClient
	sub         gnmi.GNMI_SubscribeClient
	cancel      context.CancelFunc
	prefix      *gnmi.Path
	controlPath *gnmi.Path
	logger      zerolog.Logger
	updates     chan []byte
	done        chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

// receiveUpdates pumps the subscribe stream into the updates channel.
func (c *channel) receiveUpdates() {
	for {
		resp, err := c.sub.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.fail(io.EOF)
			} else {
				c.fail(fmt.Errorf("receive update: %w", err))
			}
			return
		}

		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(v.Update)
		case *gnmi.SubscribeResponse_Error:
			c.fail(fmt.Errorf("subscribe error: %s", v.Error.GetMessage()))
			return
		case *gnmi.SubscribeResponse_SyncResponse:
			c.logger.Info().Msg("gNMI subscription sync complete, stream is active")
		}
	}
}

// handleNotification forwards every JSON payload carried by notif.
func (c *channel) handleNotification(notif *gnmi.Notification) {
	if notif == nil {
		return
	}
	for _, update := range notif.Update {
		payload := typedValueBytes(update.Val)
		if len(payload) == 0 {
			c.logger.Debug().
				Str("path", pathToString(notif.Prefix)+pathToString(update.Path)).
				Msg("Ignoring non-JSON gNMI update")
			continue
		}
		select {
		case c.updates <- payload:
		case <-c.done:
			return
		}
	}
}

// Recv returns the next alert payload or a locally answered heartbeat.
func (c *channel) Recv() ([]byte, error) {
	select {
	case b := <-c.updates:
		return b, nil
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.err
	}
}

// Send answers heartbeats with a Capabilities probe and writes every other
// message to the control path with Set.
func (c *channel) Send(msg []byte) error {
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultProbeTimeout)
	defer cancel()

	if wire.IsHeartbeat(msg) {
		resp, err := c.client.Capabilities(ctx, &gnmi.CapabilityRequest{})
		if err != nil {
			return fmt.Errorf("capabilities probe: %w", err)
		}
		c.logger.Trace().Str("gnmi_version", resp.GetGNMIVersion()).Msg("gNMI target alive")
		select {
		case c.updates <- msg:
		default:
		}
		return nil
	}

	if c.controlPath == nil {
		return fmt.Errorf("no control path configured")
	}
	req := &gnmi.SetRequest{
		Prefix: c.prefix,
		Update: []*gnmi.Update{{
			Path: c.controlPath,
			Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_JsonVal{JsonVal: msg}},
		}},
	}
	if _, err := c.client.Set(ctx, req); err != nil {
		return fmt.Errorf("set %s: %w", pathToString(c.controlPath), err)
	}
	return nil
}

// Close tears down the stream and the gRPC connection.
func (c *channel) Close() error {
	c.fail(errors.New("channel closed"))
	c.cancel()
	return c.conn.Close()
}

func (c *channel) fail(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.done)
	})
}
