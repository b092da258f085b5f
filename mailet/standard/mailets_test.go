package standard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/migadu/spoold/config"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/migadu/spoold/spool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNull(t *testing.T) {
	mctx := newFakeContext()
	m, err := newNull(mctx.config("transport", "Null", nil))
	require.NoError(t, err)

	env := mctx.newTestEnvelope("", "bob@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)
}

func TestToProcessor(t *testing.T) {
	mctx := newFakeContext()

	t.Run("reroutes with notice", func(t *testing.T) {
		m, err := newToProcessor(mctx.config("transport", "ToProcessor", map[string]string{
			"processor": "spam",
			"notice":    "flagged by filter",
		}))
		require.NoError(t, err)

		env := mctx.newTestEnvelope("", "bob@example.com")
		require.NoError(t, m.Service(context.Background(), env))
		assert.Equal(t, "spam", env.State)
		v, ok := env.Attribute(NoticeAttribute)
		require.True(t, ok)
		assert.Equal(t, "flagged by filter", v)
	})

	t.Run("requires target", func(t *testing.T) {
		_, err := newToProcessor(mctx.config("transport", "ToProcessor", nil))
		assert.Error(t, err)
	})

	t.Run("rejects loop to itself", func(t *testing.T) {
		_, err := newToProcessor(mctx.config("transport", "ToProcessor", map[string]string{"processor": "transport"}))
		assert.Error(t, err)
	})
}

func TestAttributeMailets(t *testing.T) {
	mctx := newFakeContext()
	set, err := newSetAttribute(mctx.config("transport", "SetAttribute", map[string]string{"name": "seen", "value": "1"}))
	require.NoError(t, err)
	remove, err := newRemoveAttribute(mctx.config("transport", "RemoveAttribute", map[string]string{"name": "seen"}))
	require.NoError(t, err)

	env := mctx.newTestEnvelope("", "bob@example.com")
	require.NoError(t, set.Service(context.Background(), env))
	v, ok := env.Attribute("seen")
	require.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, remove.Service(context.Background(), env))
	_, ok = env.Attribute("seen")
	assert.False(t, ok)
	assert.Equal(t, "transport", env.State)

	_, err = newSetAttribute(mctx.config("transport", "SetAttribute", nil))
	assert.Error(t, err)
}

func TestRetry(t *testing.T) {
	mctx := newFakeContext()
	m, err := newRetry(mctx.config("error", "Retry", map[string]string{"max_retries": "2"}))
	require.NoError(t, err)

	tests := []struct {
		name        string
		failedState string
		retryCount  int
		wantState   string
	}{
		{"sends back to failed processor", "transport", 1, "transport"},
		{"last allowed retry", "transport", 2, "transport"},
		{"exhausted", "transport", 3, envelope.StateError},
		{"no failed processor", "", 1, envelope.StateError},
		{"failed in error processor", "error", 1, envelope.StateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := mctx.newTestEnvelope("", "bob@example.com")
			env.State = envelope.StateError
			env.FailedState = tt.failedState
			env.RetryCount = tt.retryCount
			env.ErrorMessage = "connection refused"

			require.NoError(t, m.Service(context.Background(), env))
			assert.Equal(t, tt.wantState, env.State)
			assert.Equal(t, "connection refused", env.ErrorMessage)
		})
	}
}

func TestBounce(t *testing.T) {
	mctx := newFakeContext()

	m, err := newBounce(mctx.config("error", "Bounce", nil))
	require.NoError(t, err)
	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	env.ErrorMessage = "mailbox full"
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)

	m, err = newBounce(mctx.config("error", "Bounce", map[string]string{"reason": "policy", "passthrough": "true"}))
	require.NoError(t, err)
	env = mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	env.State = envelope.StateError
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateError, env.State)

	require.Len(t, mctx.bounces, 2)
	assert.Equal(t, "mailbox full", mctx.bounces[0].reason)
	assert.Equal(t, "policy", mctx.bounces[1].reason)
	assert.Equal(t, []string{"bob@example.com"}, mctx.bounces[0].recipients)
}

func TestAddHeader(t *testing.T) {
	mctx := newFakeContext()
	m, err := newAddHeader(mctx.config("transport", "AddHeader", map[string]string{
		"name":  "X-Processed-By",
		"value": "spoold",
	}))
	require.NoError(t, err)

	env := mctx.newTestEnvelope("", "bob@example.com")
	original := env.Body
	require.NoError(t, m.Service(context.Background(), env))

	assert.NotEqual(t, original.Key, env.Body.Key)
	body := mctx.body(t, env)
	assert.Contains(t, headerBlock(body), "X-Processed-By: spoold")
	assert.Contains(t, headerBlock(body), "Subject: Hello")
	assert.Contains(t, body, "\r\n\r\nHi Bob,\r\nsee you tomorrow.\r\n")

	// The previous body stays in place for other envelopes sharing it.
	old := env.Clone("old")
	old.Body = original
	assert.NotContains(t, mctx.body(t, old), "X-Processed-By")

	for _, params := range []map[string]string{
		{},
		{"name": "Bad Name", "value": "x"},
		{"name": "X-Test", "value": "a\r\nInjected: yes"},
	} {
		_, err := newAddHeader(mctx.config("transport", "AddHeader", params))
		assert.Error(t, err)
	}
}

func TestRemoveHeader(t *testing.T) {
	mctx := newFakeContext()
	m, err := newRemoveHeader(mctx.config("transport", "RemoveHeader", map[string]string{
		"name": "x-spam-flag, X-Missing",
	}))
	require.NoError(t, err)

	env := mctx.newTestEnvelope("", "bob@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	body := mctx.body(t, env)
	assert.NotContains(t, body, "X-Spam-Flag")
	assert.Contains(t, headerBlock(body), "Subject: Hello")

	// Nothing to remove leaves the body untouched.
	key := env.Body.Key
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, key, env.Body.Key)

	_, err = newRemoveHeader(mctx.config("transport", "RemoveHeader", map[string]string{"name": " , "}))
	assert.Error(t, err)
}

func TestToRepository(t *testing.T) {
	mctx := newFakeContext()
	dir := filepath.Join(t.TempDir(), "spam")

	m, err := newToRepository(mctx.config("spam", "ToRepository", map[string]string{"path": dir}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.(*toRepository).Close() })

	env := mctx.newTestEnvelope("alice@example.org", "bob@example.com")
	env.State = "spam"
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, envelope.StateGhost, env.State)

	repo, err := spool.NewDiskRepository(dir)
	require.NoError(t, err)
	var stored []*envelope.Envelope
	for e, err := range spool.Envelopes(context.Background(), repo) {
		require.NoError(t, err)
		stored = append(stored, e)
	}
	require.Len(t, stored, 1)
	assert.NotEqual(t, env.ID, stored[0].ID)
	assert.Equal(t, "spam", stored[0].State)
	assert.Equal(t, env.Body, stored[0].Body)

	_, err = newToRepository(mctx.config("spam", "ToRepository", nil))
	assert.Error(t, err)
}

func TestRepositoryPaths(t *testing.T) {
	processors := []config.ProcessorConfig{
		{Name: "spam", Mailets: []config.MailetConfig{
			{Class: "ToRepository", Params: map[string]string{"path": "/var/spool/spoold/spam"}},
			{Class: "Null"},
		}},
		{Name: "error", Mailets: []config.MailetConfig{
			{Class: "ToRepository", Params: map[string]string{"path": "/var/spool/spoold/error"}},
			{Class: "ToRepository", Params: map[string]string{"path": "/var/spool/spoold/spam"}},
		}},
	}
	assert.Equal(t, []string{"/var/spool/spoold/spam", "/var/spool/spoold/error"}, RepositoryPaths(processors))
}

func TestLog(t *testing.T) {
	mctx := newFakeContext()
	m, err := newLog(mctx.config("transport", "Log", map[string]string{"level": "warn"}))
	require.NoError(t, err)
	env := mctx.newTestEnvelope("", "bob@example.com")
	require.NoError(t, m.Service(context.Background(), env))
	assert.Equal(t, "transport", env.State)

	_, err = newLog(mctx.config("transport", "Log", map[string]string{"level": "loud"}))
	assert.Error(t, err)
}

func TestSieveMatch(t *testing.T) {
	dir := t.TempDir()
	write := func(name, script string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(script), 0600))
		return path
	}

	tests := []struct {
		name   string
		script string
		want   []string
	}{
		{"keep matches nobody", "keep;\n", nil},
		{"implicit keep matches nobody", "if false { discard; }\n", nil},
		{"discard matches everyone", "discard;\n", []string{"bob@example.com", "carol@example.net"}},
		{"header test", "if header :contains \"X-Spam-Flag\" \"YES\" { discard; }\n",
			[]string{"bob@example.com", "carol@example.net"}},
		{"envelope test per recipient", "require \"envelope\";\nif envelope :is \"to\" \"carol@example.net\" { discard; }\n",
			[]string{"carol@example.net"}},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mctx := newFakeContext()
			path := write(fmt.Sprintf("script-%d.sieve", i), tt.script)
			m, err := newSieveMatch(mctx.matcherConfig("SieveMatch", path))
			require.NoError(t, err)

			env := mctx.newTestEnvelope("alice@example.org", "bob@example.com", "carol@example.net")
			got, err := m.Match(context.Background(), env)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, addressStrings(got))
		})
	}

	t.Run("invalid script", func(t *testing.T) {
		path := write("broken.sieve", "if {")
		_, err := newSieveMatch(newFakeContext().matcherConfig("SieveMatch", path))
		assert.Error(t, err)
	})
}

func TestMailetsRequiringContext(t *testing.T) {
	factories := map[string]mailet.MailetFactory{
		"Bounce":         newBounce,
		"AddHeader":      newAddHeader,
		"RemoveHeader":   newRemoveHeader,
		"RemoteDelivery": newRemoteDelivery,
		"IMAPAppend":     newIMAPAppend,
	}
	for name, f := range factories {
		_, err := f(mailet.Config{Name: name, Params: mailet.Params{"name": "X", "host": "h", "username": "u"}})
		assert.Error(t, err, name)
	}
}

func TestIMAPAppendParams(t *testing.T) {
	mctx := newFakeContext()
	tests := []struct {
		name    string
		params  map[string]string
		wantErr bool
		addr    string
	}{
		{"defaults to implicit tls", map[string]string{"host": "imap.example.com", "username": "archive"}, false, "imap.example.com:993"},
		{"plain port", map[string]string{"host": "imap.example.com", "username": "archive", "tls": "false"}, false, "imap.example.com:143"},
		{"missing host", map[string]string{"username": "archive"}, true, ""},
		{"missing username", map[string]string{"host": "imap.example.com"}, true, ""},
		{"bad auth", map[string]string{"host": "imap.example.com", "username": "a", "auth": "cram-md5"}, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := newIMAPAppend(mctx.config("archive", "IMAPAppend", tt.params))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, m.(*imapAppend).addr)
			assert.Equal(t, "INBOX", m.(*imapAppend).mailbox)
		})
	}
}

func TestIMAPAppendUnreachable(t *testing.T) {
	mctx := newFakeContext()
	m, err := newIMAPAppend(mctx.config("archive", "IMAPAppend", map[string]string{
		"host":     "127.0.0.1",
		"port":     "1",
		"tls":      "false",
		"username": "archive",
	}))
	require.NoError(t, err)

	env := mctx.newTestEnvelope("", "bob@example.com")
	err = m.Service(context.Background(), env)
	require.Error(t, err)
	assert.Equal(t, "transport", env.State)
	assert.False(t, errors.Is(err, context.Canceled))
}
