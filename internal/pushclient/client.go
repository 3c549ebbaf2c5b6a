package pushclient

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DialFunc opens the underlying connection to the vendor's push stream.
// Production callers inject the real vendor dialer (e.g. a TLS dial to
// the vendor's MCS endpoint); ReferenceClient ships no such dialer itself
// (spec §1 treats the vendor protocol as external).
type DialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// RegisterFunc performs the one-shot vendor registration call. The default
// (nil) RegisterFunc synthesizes local registration material, which is
// enough to drive the FCM Worker and Listener Pool end to end against a
// ReferenceClient in tests and local development.
type RegisterFunc func(ctx context.Context, apiKey, appID, projectID string) (Registration, error)

// Option configures a ReferenceClient.
type Option func(*ReferenceClient)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ReferenceClient) { c.logger = logger }
}

// WithHTTPClient sets a custom HTTP client on the ReferenceClient. The
// client is stored only: neither the default synthetic registration nor
// StartListening makes HTTP calls with it.
func WithHTTPClient(client *http.Client) Option {
	return func(c *ReferenceClient) { c.httpClient = client }
}

// WithDialFunc overrides how ReferenceClient dials the push stream.
func WithDialFunc(dial DialFunc) Option {
	return func(c *ReferenceClient) { c.dial = dial }
}

// WithRegisterFunc overrides how ReferenceClient performs vendor
// registration.
func WithRegisterFunc(register RegisterFunc) Option {
	return func(c *ReferenceClient) { c.register = register }
}

// ReferenceClient is a reference Push Client Adapter implementation (spec
// §4.5): thin, blocking, and structured the way the teacher's fcm.Client
// structures its own MCS client (mutex-guarded state, an overridable dial
// hook, a heartbeat goroutine alongside the read loop).
type ReferenceClient struct {
	apiKey, appID, projectID string

	logger     *slog.Logger
	httpClient *http.Client
	dial       DialFunc
	register   RegisterFunc

	mu     sync.Mutex
	keys   *keyMaterial
	reg    Registration
	topics []string

	onData func([]byte)

	heartbeatInterval time.Duration
}

// NewReferenceClient creates a new ReferenceClient for one credential's
// vendor identity triple.
func NewReferenceClient(apiKey, appID, projectID string, opts ...Option) *ReferenceClient {
	c := &ReferenceClient{
		apiKey:            apiKey,
		appID:             appID,
		projectID:         projectID,
		logger:            slog.Default(),
		httpClient:        http.DefaultClient,
		heartbeatInterval: 5 * time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateNewKeys implements Client.
func (c *ReferenceClient) CreateNewKeys() (string, string, error) {
	km, err := generateKeyMaterial()
	if err != nil {
		return "", "", err
	}
	c.mu.Lock()
	c.keys = km
	c.mu.Unlock()
	priv, auth := km.encode()
	return priv, auth, nil
}

// LoadKeys implements Client.
func (c *ReferenceClient) LoadKeys(privateKeyB64, authSecretB64 string) error {
	km, err := decodeKeyMaterial(privateKeyB64, authSecretB64)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.keys = km
	c.mu.Unlock()
	return nil
}

// Register implements Client.
func (c *ReferenceClient) Register(ctx context.Context) (Registration, error) {
	registerFn := c.register
	if registerFn == nil {
		registerFn = c.syntheticRegister
	}
	reg, err := registerFn(ctx, c.apiKey, c.appID, c.projectID)
	if err != nil {
		return Registration{}, fmt.Errorf("vendor registration: %w", err)
	}
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
	return reg, nil
}

// syntheticRegister is the default RegisterFunc: a deterministic-enough
// local stub so the Worker/Pool can be driven without a live vendor
// endpoint. It derives androidId/securityToken from random bytes, the way
// a real checkin response would hand back vendor-assigned identifiers.
func (c *ReferenceClient) syntheticRegister(_ context.Context, apiKey, appID, _ string) (Registration, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return Registration{}, err
	}
	androidID := binary.BigEndian.Uint64(buf[:8])
	securityToken := binary.BigEndian.Uint64(buf[8:])
	token := fmt.Sprintf("fcm-%s-%s-%x", apiKey, appID, buf[:4])
	return Registration{
		FCMToken:      token,
		GCMToken:      token,
		AndroidID:     androidID,
		SecurityToken: securityToken,
	}, nil
}

// SetRegistration implements Client.
func (c *ReferenceClient) SetRegistration(reg Registration) {
	c.mu.Lock()
	c.reg = reg
	c.mu.Unlock()
}

// SubscribeToTopic implements Client. The reference protocol folds topic
// subscription into the login frame, so this only records intent; failures
// are reserved for a real vendor's rejection path.
func (c *ReferenceClient) SubscribeToTopic(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.topics {
		if t == topic {
			return nil
		}
	}
	c.topics = append(c.topics, topic)
	return nil
}

// SetDataCallback implements Client.
func (c *ReferenceClient) SetDataCallback(cb func([]byte)) {
	c.onData = cb
}

// StartListening implements Client: dials the push stream, logs in,
// starts a heartbeat goroutine, and loops reading frames until the
// connection closes or ctx is cancelled.
func (c *ReferenceClient) StartListening(ctx context.Context) error {
	if c.dial == nil {
		return fmt.Errorf("pushclient: no DialFunc configured")
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("dialing push stream: %w", err)
	}
	defer conn.Close()

	connClosed := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connClosed:
		}
	}()
	defer close(connClosed)

	c.mu.Lock()
	reg := c.reg
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	if err := writeFrame(conn, wireFrame{Type: frameLogin, AndroidID: reg.AndroidID, SecurityToken: reg.SecurityToken, Topics: topics}); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("sending login: %w", err)
	}

	ack, err := readFrame(conn)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("reading login ack: %w", err)
	}
	if ack.Type != frameLoginAck {
		return fmt.Errorf("unexpected frame during login: %s", ack.Type)
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go c.heartbeatLoop(heartbeatCtx, conn)

	for {
		f, err := readFrame(conn)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("reading frame: %w", err)
		}

		switch f.Type {
		case frameData:
			c.handleData(f)
		case frameHeartbeatAck:
			// no-op: confirms liveness.
		case frameClose:
			return fmt.Errorf("connection closed by peer: %s", f.Reason)
		default:
			c.logger.Warn("unexpected frame type", "type", f.Type)
		}
	}
}

func (c *ReferenceClient) heartbeatLoop(ctx context.Context, conn io.Writer) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeFrame(conn, wireFrame{Type: frameHeartbeatPing}); err != nil {
				c.logger.Debug("heartbeat write failed", "error", err)
				return
			}
		}
	}
}

func (c *ReferenceClient) handleData(f wireFrame) {
	c.mu.Lock()
	keys := c.keys
	c.mu.Unlock()

	if keys == nil {
		c.logger.Warn("received data frame with no keys loaded")
		return
	}
	plaintext, err := keys.decryptPayload(f.SenderPublicKey, f.Salt, f.Ciphertext)
	if err != nil {
		c.logger.Warn("failed to decrypt payload", "error", err)
		return
	}
	if c.onData != nil {
		c.onData(plaintext)
	}
}
