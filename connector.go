package forward

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/Azure/azure-amqp-common-go/v3/log"
	"github.com/Azure/go-amqp"
	"github.com/amqpgateway/forward/internal/auth"
	"github.com/pkg/errors"
)

// AADCredential configures Azure AD SASL authentication for the
// downstream connection in place of anonymous SASL.
type AADCredential struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	Resource     string
	ADEndpoint   string
}

// amqpConn adapts *amqp.Client to the package's narrower Connection seam.
type amqpConn struct {
	client *amqp.Client
}

func (c *amqpConn) NewSession(ctx context.Context) (Session, error) {
	s, err := c.client.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &amqpSession{session: s}, nil
}

func (c *amqpConn) Close() error { return c.client.Close() }

type amqpSession struct {
	session *amqp.Session
}

func (s *amqpSession) NewSender(ctx context.Context, target string, opts *amqp.SenderOptions) (senderTransport, error) {
	return s.session.NewSender(ctx, target, opts)
}

// amqpConnectionFactory dials the downstream container with go-amqp,
// optionally authenticating with an Azure AD token in place of anonymous
// SASL. Its Connect does not invoke the onRemoteClose or onDisconnect
// callbacks it is given, and it does not read ConnectOptions.AAD (the
// credential comes from NewConnectionFactory).
type amqpConnectionFactory struct {
	name, host string
	port       int
	sep        string
	tokens     *auth.TokenProvider
}

// NewConnectionFactory builds a ConnectionFactory targeting host:port. If
// aad is non-nil the connection authenticates with an AAD token instead
// of anonymous SASL.
func NewConnectionFactory(name, host string, port int, sep string, aad *AADCredential) (ConnectionFactory, error) {
	f := &amqpConnectionFactory{name: name, host: host, port: port, sep: sep}
	if aad != nil {
		tp, err := auth.NewTokenProvider(auth.ServicePrincipal{
			TenantID:     aad.TenantID,
			ClientID:     aad.ClientID,
			ClientSecret: aad.ClientSecret,
			Resource:     aad.Resource,
			ADEndpoint:   aad.ADEndpoint,
		})
		if err != nil {
			return nil, errors.Wrap(err, "forward: building AAD token provider")
		}
		f.tokens = tp
	}
	return f, nil
}

func (f *amqpConnectionFactory) Name() string          { return f.name }
func (f *amqpConnectionFactory) Host() string          { return f.host }
func (f *amqpConnectionFactory) Port() int             { return f.port }
func (f *amqpConnectionFactory) PathSeparator() string { return f.sep }

func (f *amqpConnectionFactory) Connect(opts ConnectOptions, onRemoteClose func(), onDisconnect func(), resultCb func(Connection, error)) {
	go func() {
		addr := net.JoinHostPort(f.host, strconv.Itoa(f.port))

		connOpts := &amqp.ConnOptions{
			ContainerID: f.name,
		}
		if f.tokens != nil {
			token, err := f.tokens.Token()
			if err != nil {
				resultCb(nil, errors.Wrap(err, "forward: minting AAD token"))
				return
			}
			connOpts.SASLType = amqp.SASLTypePlain(f.name, token)
		}

		// amqp.Dial in this version has no context parameter, so the
		// configured timeout (opts.Timeout, §6.4) is enforced by racing
		// the dial against a timer rather than via context cancellation.
		// The dial itself is left to finish in its own goroutine either
		// way; there is nothing to cancel it with.
		type dialResult struct {
			client *amqp.Client
			err    error
		}
		done := make(chan dialResult, 1)
		go func() {
			client, err := amqp.Dial(addr, connOpts)
			done <- dialResult{client, err}
		}()

		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 100 * time.Millisecond
		}

		select {
		case res := <-done:
			if res.err != nil {
				resultCb(nil, errors.Wrapf(res.err, "forward: dialing downstream %s", addr))
				return
			}
			log.For(context.Background()).Debug("connected to downstream container: " + addr)
			resultCb(&amqpConn{client: res.client}, nil)
		case <-time.After(timeout):
			resultCb(nil, errors.Errorf("forward: dialing downstream %s timed out after %s", addr, timeout))
		}
	}()
}

// DownstreamConnector maintains at-most-one active downstream connection
// and notifies the engine of remote close and disconnect (§4.1).
type DownstreamConnector struct {
	factory ConnectionFactory
	opts    ConnectOptions

	conn       Connection
	connected  bool
}

// NewDownstreamConnector builds a connector around factory using the
// fixed defaults from §4.1, as overridden by cfg.
func NewDownstreamConnector(factory ConnectionFactory, cfg Config) *DownstreamConnector {
	return &DownstreamConnector{
		factory: factory,
		opts: ConnectOptions{
			Timeout:           orDefault(cfg.ConnectTimeout, 100*time.Millisecond),
			ReconnectAttempts: cfg.ReconnectAttempts,
			ReconnectInterval: orDefault(cfg.ReconnectInterval, 200*time.Millisecond),
			AAD:               cfg.AAD,
		},
	}
}

func orDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// Connect makes a single connection attempt through the factory; it does
// not retry (the reconnect loop lives in ForwardingEngine.armReconnect /
// attemptReconnect). resultCb is invoked once, with the connection handle
// on success or the attempt's error on failure.
func (c *DownstreamConnector) Connect(onRemoteClose func(), onDisconnect func(), resultCb func(Connection, error)) {
	c.factory.Connect(c.opts, onRemoteClose, func() {
		c.connected = false
		onDisconnect()
	}, func(conn Connection, err error) {
		if err != nil {
			resultCb(nil, err)
			return
		}
		c.conn = conn
		c.connected = true
		resultCb(conn, nil)
	})
}

// Close initiates a graceful close; idempotent when already closed.
func (c *DownstreamConnector) Close() error {
	if c.conn == nil {
		return nil
	}
	conn := c.conn
	c.conn = nil
	c.connected = false
	return conn.Close()
}

// IsConnected reports whether a connection object exists and has not
// disconnected.
func (c *DownstreamConnector) IsConnected() bool {
	return c.conn != nil && c.connected
}
