package standard

import (
	"context"
	"testing"

	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/mailet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchers(t *testing.T) {
	mctx := newFakeContext("example.com")

	tests := []struct {
		name      string
		factory   mailet.MatcherFactory
		condition string
		sender    string
		prepare   func(env *envelope.Envelope)
		want      []string
	}{
		{name: "All", factory: newAll, sender: "alice@example.org",
			want: []string{"bob@example.com", "carol@example.net"}},
		{name: "RecipientIs", factory: newRecipientIs, condition: "carol@example.net, dave@example.net",
			want: []string{"carol@example.net"}},
		{name: "SenderIs match", factory: newSenderIs, condition: "alice@example.org", sender: "alice@example.org",
			want: []string{"bob@example.com", "carol@example.net"}},
		{name: "SenderIs other", factory: newSenderIs, condition: "alice@example.org", sender: "mallory@example.org"},
		{name: "SenderIs null", factory: newSenderIs, condition: "alice@example.org"},
		{name: "SenderIsNull", factory: newSenderIsNull,
			want: []string{"bob@example.com", "carol@example.net"}},
		{name: "SenderIsNull with sender", factory: newSenderIsNull, sender: "alice@example.org"},
		{name: "HostIs", factory: newHostIs, condition: "EXAMPLE.net",
			want: []string{"carol@example.net"}},
		{name: "HostIsLocal", factory: newHostIsLocal,
			want: []string{"bob@example.com"}},
		{name: "HasAttribute name", factory: newHasAttribute, condition: "spam",
			prepare: func(e *envelope.Envelope) { e.SetAttribute("spam", "yes") },
			want:    []string{"bob@example.com", "carol@example.net"}},
		{name: "HasAttribute value mismatch", factory: newHasAttribute, condition: "spam=no",
			prepare: func(e *envelope.Envelope) { e.SetAttribute("spam", "yes") }},
		{name: "HasAttribute missing", factory: newHasAttribute, condition: "spam"},
		{name: "HeaderIs", factory: newHeaderIs, condition: "x-spam-flag: yes",
			want: []string{"bob@example.com", "carol@example.net"}},
		{name: "HeaderIs mismatch", factory: newHeaderIs, condition: "Subject:Bye"},
		{name: "SizeGreaterThan small", factory: newSizeGreaterThan, condition: "1kb"},
		{name: "SizeGreaterThan large", factory: newSizeGreaterThan, condition: "10",
			want: []string{"bob@example.com", "carol@example.net"}},
		{name: "RetryCountAbove", factory: newRetryCountAbove, condition: "2",
			prepare: func(e *envelope.Envelope) { e.RetryCount = 3 },
			want:    []string{"bob@example.com", "carol@example.net"}},
		{name: "RetryCountAbove not yet", factory: newRetryCountAbove, condition: "2",
			prepare: func(e *envelope.Envelope) { e.RetryCount = 2 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := tt.factory(mctx.matcherConfig(tt.name, tt.condition))
			require.NoError(t, err)

			env := mctx.newTestEnvelope(tt.sender, "bob@example.com", "carol@example.net")
			if tt.prepare != nil {
				tt.prepare(env)
			}
			got, err := m.Match(context.Background(), env)
			require.NoError(t, err)
			if len(tt.want) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, addressStrings(got))
		})
	}
}

func TestMatcherConditionErrors(t *testing.T) {
	mctx := newFakeContext()
	tests := []struct {
		name      string
		factory   mailet.MatcherFactory
		condition string
	}{
		{"RecipientIs empty", newRecipientIs, ""},
		{"RecipientIs invalid", newRecipientIs, "not-an-address"},
		{"HostIs empty", newHostIs, " , "},
		{"HasAttribute empty", newHasAttribute, ""},
		{"HeaderIs without colon", newHeaderIs, "Subject"},
		{"SizeGreaterThan invalid", newSizeGreaterThan, "lots"},
		{"RetryCountAbove invalid", newRetryCountAbove, "x"},
		{"SieveMatch without script", newSieveMatch, ""},
		{"SieveMatch missing file", newSieveMatch, "/nonexistent/filter.sieve"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.factory(mctx.matcherConfig(tt.name, tt.condition))
			assert.Error(t, err)
		})
	}
}

func TestMatchersRequiringContext(t *testing.T) {
	for _, f := range []mailet.MatcherFactory{newHostIsLocal, newHeaderIs, newSieveMatch} {
		_, err := f(mailet.Config{Condition: "Subject:x"})
		assert.Error(t, err)
	}
}

func TestRegisteredUnits(t *testing.T) {
	reg := NewRegistry()
	assert.Contains(t, reg.Matchers(), "RecipientIsLocal")
	assert.Contains(t, reg.Matchers(), "SieveMatch")
	assert.Contains(t, reg.Mailets(), "RemoteDelivery")
	assert.Contains(t, reg.Mailets(), "IMAPAppend")

	m, err := reg.NewMatcher("!HostIs=example.com", newFakeContext().matcherConfig("", ""))
	require.NoError(t, err)
	env := newFakeContext().newTestEnvelope("", "bob@example.com", "carol@example.net")
	got, err := m.Match(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, []string{"carol@example.net"}, addressStrings(got))
}
