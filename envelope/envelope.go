// Package envelope defines the unit of work flowing through the spool: one
// message body reference plus its routing metadata.
package envelope

import (
	"fmt"
	"maps"
	"time"
)

// Distinguished states. Any other state value names a processor.
const (
	StateRoot  = "root"
	StateGhost = "ghost"
	StateError = "error"
)

// BodyRef points at message content held in a body store. Bodies are
// content addressed, so several envelopes may share one Key.
type BodyRef struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// IsZero reports whether the envelope carries no body.
func (b BodyRef) IsZero() bool {
	return b.Key == ""
}

// Envelope is the in-flight representation of one message.
//
// ID is assigned at creation and never changes. RemoteHost and RemoteAddr
// are set once at ingestion. Everything else is mutated by mailets while
// the envelope is locked by a single worker.
type Envelope struct {
	ID           string         `json:"id"`
	Sender       *Address       `json:"sender"` // nil is the null reverse-path
	Recipients   []Address      `json:"recipients"`
	State        string         `json:"state"`
	ErrorMessage string         `json:"error_message,omitempty"`
	FailedState  string         `json:"failed_state,omitempty"` // processor that was running when the last failure happened
	RetryCount   int            `json:"retry_count"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	Body         BodyRef        `json:"body"`
	RemoteHost   string         `json:"remote_host,omitempty"`
	RemoteAddr   string         `json:"remote_addr,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastUpdated  time.Time      `json:"last_updated"`
}

// New creates an envelope in the given state. Duplicate recipients are
// dropped, keeping the first occurrence.
func New(id string, sender *Address, recipients []Address, state string, body BodyRef) *Envelope {
	now := time.Now()
	return &Envelope{
		ID:          id,
		Sender:      sender,
		Recipients:  uniqueAddresses(recipients),
		State:       state,
		Body:        body,
		CreatedAt:   now,
		LastUpdated: now,
	}
}

// SenderString returns the sender address or "" for the null sender.
func (e *Envelope) SenderString() string {
	if e.Sender == nil {
		return ""
	}
	return e.Sender.String()
}

// SetRecipients replaces the recipient set, dropping duplicates.
func (e *Envelope) SetRecipients(recipients []Address) {
	e.Recipients = uniqueAddresses(recipients)
}

// HasRecipient reports whether a is a current recipient.
func (e *Envelope) HasRecipient(a Address) bool {
	for _, r := range e.Recipients {
		if r == a {
			return true
		}
	}
	return false
}

// RemoveRecipients drops the given addresses from the recipient set.
func (e *Envelope) RemoveRecipients(remove []Address) {
	e.Recipients = Subtract(e.Recipients, remove)
}

// IsGhost reports whether processing of the envelope is complete.
func (e *Envelope) IsGhost() bool {
	return e.State == StateGhost
}

// Done reports whether the envelope needs no further routing: it was
// ghosted, or it is left without recipients in a non-error state.
func (e *Envelope) Done() bool {
	return e.State == StateGhost || (e.State != StateError && len(e.Recipients) == 0)
}

// Fail moves the envelope to the error state, recording where and why.
func (e *Envelope) Fail(processor string, err error) {
	e.State = StateError
	e.FailedState = processor
	if err != nil {
		e.ErrorMessage = err.Error()
	} else {
		e.ErrorMessage = fmt.Sprintf("processing failed in %s", processor)
	}
	e.RetryCount++
}

// ClearError forgets the last failure without resetting the retry count.
func (e *Envelope) ClearError() {
	e.ErrorMessage = ""
	e.FailedState = ""
}

// Attribute returns the value stored under name.
func (e *Envelope) Attribute(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// SetAttribute stores value under name, returning the previous value.
func (e *Envelope) SetAttribute(name string, value any) any {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	old := e.Attributes[name]
	e.Attributes[name] = value
	return old
}

// RemoveAttribute deletes name, returning its previous value.
func (e *Envelope) RemoveAttribute(name string) any {
	old := e.Attributes[name]
	delete(e.Attributes, name)
	return old
}

// Clone returns a copy of the envelope under a new id. Recipients and the
// attribute map are copied; attribute values themselves are shared.
func (e *Envelope) Clone(id string) *Envelope {
	c := *e
	c.ID = id
	if e.Sender != nil {
		s := *e.Sender
		c.Sender = &s
	}
	c.Recipients = append([]Address(nil), e.Recipients...)
	if e.Attributes != nil {
		c.Attributes = maps.Clone(e.Attributes)
	}
	return &c
}

// Split moves the matched recipients onto a clone with the given id and
// leaves the remaining ones on e. matched is intersected with the current
// recipients first.
func (e *Envelope) Split(id string, matched []Address) *Envelope {
	matched = Intersect(e.Recipients, matched)
	derived := e.Clone(id)
	derived.Recipients = matched
	e.Recipients = Subtract(e.Recipients, matched)
	return derived
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s [%s] <%s> -> %d recipient(s)", e.ID, e.State, e.SenderString(), len(e.Recipients))
}
