package standard

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/migadu/spoold/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// relayBackend accepts recipients at example.com, rejects unknown@ with a
// 550 and defers busy@ with a 450.
type relayBackend struct {
	mu       sync.Mutex
	messages []relayedMessage
}

type relayedMessage struct {
	from string
	to   []string
	data string
	tls  bool
}

func (b *relayBackend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	_, isTLS := c.TLSConnectionState()
	return &relaySession{backend: b, tls: isTLS}, nil
}

func (b *relayBackend) received() []relayedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]relayedMessage(nil), b.messages...)
}

type relaySession struct {
	backend *relayBackend
	tls     bool
	msg     relayedMessage
}

func (s *relaySession) Mail(from string, _ *smtp.MailOptions) error {
	s.msg.from = from
	return nil
}

func (s *relaySession) Rcpt(to string, _ *smtp.RcptOptions) error {
	switch {
	case strings.HasPrefix(to, "unknown@"):
		return &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "No such user"}
	case strings.HasPrefix(to, "busy@"):
		return &smtp.SMTPError{Code: 450, EnhancedCode: smtp.EnhancedCode{4, 2, 1}, Message: "Mailbox busy"}
	}
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *relaySession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = string(data)
	s.msg.tls = s.tls
	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *relaySession) Reset()        { s.msg = relayedMessage{} }
func (s *relaySession) Logout() error { return nil }

func startRelay(t *testing.T) (*relayBackend, string, int) {
	return startRelayTLS(t, nil)
}

// startRelayTLS offers STARTTLS when tlsConfig is set.
func startRelayTLS(t *testing.T, tlsConfig *tls.Config) (*relayBackend, string, int) {
	t.Helper()
	be := &relayBackend{}
	srv := smtp.NewServer(be)
	srv.TLSConfig = tlsConfig
	srv.Domain = "relay.test"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() { _ = srv.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return be, addr.IP.String(), addr.Port
}

func newTestRelay(t *testing.T, mctx *fakeContext, host string, port int) *remoteDelivery {
	return newTestRelayMode(t, mctx, host, port, "none")
}

func newTestRelayMode(t *testing.T, mctx *fakeContext, host string, port int, mode string) *remoteDelivery {
	t.Helper()
	m, err := newRemoteDelivery(mctx.config("transport", "RemoteDelivery", map[string]string{
		"host":       host,
		"port":       fmt.Sprint(port),
		"tls":        mode,
		"tls_verify": "false",
		"timeout":    "10s",
	}))
	require.NoError(t, err)
	return m.(*remoteDelivery)
}

func selfSignedConfig(t *testing.T) *tls.Config {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "relay.test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"relay.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)
	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: priv}},
		MinVersion:   tls.VersionTLS12,
	}
}

func TestRemoteDeliveryDelivers(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	m := newTestRelay(t, mctx, host, port)

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com", "carol@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)
	assert.Empty(t, env.Recipients)

	msgs := be.received()
	require.Len(t, msgs, 1)
	assert.Equal(t, "alice@example.org", msgs[0].from)
	assert.Equal(t, []string{"bob@example.com", "carol@example.com"}, msgs[0].to)
	assert.Contains(t, msgs[0].data, "Subject: Hello")
	assert.Empty(t, mctx.bounces)
}

func TestRemoteDeliveryBouncesPermanentRejections(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	m := newTestRelay(t, mctx, host, port)

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com", "unknown@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)

	require.Len(t, be.received(), 1)
	require.Len(t, mctx.bounces, 1)
	assert.Equal(t, []string{"unknown@example.com"}, mctx.bounces[0].recipients)
	assert.Contains(t, mctx.bounces[0].reason, "No such user")
}

func TestRemoteDeliveryStartTLS(t *testing.T) {
	be, host, port := startRelayTLS(t, selfSignedConfig(t))
	mctx := newFakeContext()
	m := newTestRelayMode(t, mctx, host, port, "starttls")

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)

	msgs := be.received()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].tls, "message must be sent after STARTTLS")
	assert.Equal(t, []string{"bob@example.com"}, msgs[0].to)
}

func TestRemoteDeliveryStartTLSUnsupported(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	m := newTestRelayMode(t, mctx, host, port, "starttls")

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	err := m.Service(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
	assert.False(t, IsPermanentError(err))
	assert.Equal(t, []string{"bob@example.com"}, addressStrings(env.Recipients))
	assert.Empty(t, be.received())
}

func TestRemoteDeliveryBounceFailureKeepsDeliveredOut(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	mctx.bounceErr = errors.New("spool unavailable")
	m := newTestRelay(t, mctx, host, port)

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com", "unknown@example.com")
	err := m.Service(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spool unavailable")

	// bob@ was accepted; only the unbounced rejection may be retried.
	assert.Equal(t, []string{"unknown@example.com"}, addressStrings(env.Recipients))
	assert.Equal(t, "transport", env.State)
	require.Len(t, be.received(), 1)

	mctx.bounceErr = nil
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)
	assert.Len(t, be.received(), 1, "accepted recipient must not be delivered twice")
	require.Len(t, mctx.bounces, 1)
	assert.Equal(t, []string{"unknown@example.com"}, mctx.bounces[0].recipients)
}

func TestRemoteDeliveryKeepsDeferredRecipients(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	m := newTestRelay(t, mctx, host, port)

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com", "busy@example.com", "unknown@example.com")
	err := m.Service(context.Background(), env)
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))

	// Only the deferred recipient is left for the next attempt.
	assert.Equal(t, []string{"busy@example.com"}, addressStrings(env.Recipients))
	assert.Equal(t, "transport", env.State)
	require.Len(t, be.received(), 1)
	require.Len(t, mctx.bounces, 1)
	assert.Equal(t, []string{"unknown@example.com"}, mctx.bounces[0].recipients)
}

func TestRemoteDeliveryAllRejected(t *testing.T) {
	be, host, port := startRelay(t)
	mctx := newFakeContext()
	m := newTestRelay(t, mctx, host, port)

	env := mctx.newTestEnvelope("alice@example.org", "unknown@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)
	assert.Empty(t, be.received())
	require.Len(t, mctx.bounces, 1)
}

func TestRemoteDeliveryConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	mctx := newFakeContext()
	m := newTestRelay(t, mctx, "127.0.0.1", port)
	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	err = m.Service(context.Background(), env)
	require.Error(t, err)
	assert.False(t, IsPermanentError(err))
	assert.Equal(t, []string{"bob@example.com"}, addressStrings(env.Recipients))
	assert.Empty(t, mctx.bounces)
}

func TestIsPermanentError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"5xx", &smtp.SMTPError{Code: 550}, true},
		{"4xx", &smtp.SMTPError{Code: 451}, false},
		{"wrapped 5xx", fmt.Errorf("rcpt: %w", &smtp.SMTPError{Code: 554}), true},
		{"network", errors.New("connection reset"), false},
		{"relay error", &RelayError{Err: errors.New("x"), Permanent: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPermanentError(tt.err))
		})
	}
}

func TestParseTLSMode(t *testing.T) {
	for _, s := range []string{"none", "STARTTLS", "tls"} {
		_, err := parseTLSMode(s)
		assert.NoError(t, err, s)
	}
	_, err := parseTLSMode("ssl3")
	assert.Error(t, err)
}
