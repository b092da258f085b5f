package spoolmanager

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/migadu/spoold/envelope"
	"github.com/migadu/spoold/helpers"
)

// Bounce sends a delivery status notification (RFC 3464) about env to its
// sender from the null reverse-path, so it can never bounce itself. The
// report quotes the plain text of the original up to MaxBounceBytes and
// carries its header block.
func (m *Manager) Bounce(ctx context.Context, env *envelope.Envelope, reason string) error {
	if env.Sender == nil {
		m.log.Info("SpoolManager: not bouncing message from null sender", "id", env.ID, "reason", reason)
		return nil
	}

	original, quoted := m.readOriginal(ctx, env)

	var buf bytes.Buffer
	if err := writeDSN(&buf, dsn{
		serverName: m.opts.ServerName,
		postmaster: m.opts.Postmaster,
		to:         *env.Sender,
		recipients: env.Recipients,
		reason:     reason,
		arrival:    env.CreatedAt,
		original:   original,
		quoted:     quoted,
	}); err != nil {
		return fmt.Errorf("failed to compose bounce: %w", err)
	}

	if err := m.SendMail(ctx, nil, []envelope.Address{*env.Sender}, &buf, ""); err != nil {
		return fmt.Errorf("failed to send bounce: %w", err)
	}
	m.log.Info("SpoolManager: bounced envelope", "id", env.ID, "sender", env.SenderString(), "recipients", len(env.Recipients), "reason", reason)
	return nil
}

// readOriginal returns the header and quoted text of env's message. A body
// that cannot be read still gets a bounce, without the quote.
func (m *Manager) readOriginal(ctx context.Context, env *envelope.Envelope) (textproto.Header, string) {
	var header textproto.Header

	rc, err := m.OpenBody(ctx, env)
	if err != nil {
		m.log.Warn("SpoolManager: cannot read message for bounce", "id", env.ID, "error", err)
		return header, ""
	}
	data, err := io.ReadAll(io.LimitReader(rc, m.opts.MaxBounceBytes*4))
	rc.Close()
	if err != nil {
		m.log.Warn("SpoolManager: cannot read message for bounce", "id", env.ID, "error", err)
		return header, ""
	}

	if h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(data))); err == nil {
		header = h
	}
	text, err := helpers.ExtractPlaintextBody(bytes.NewReader(data), m.opts.MaxBounceBytes)
	if err != nil {
		m.log.Debug("SpoolManager: cannot extract text for bounce", "id", env.ID, "error", err)
	}
	return header, text
}

type dsn struct {
	serverName string
	postmaster envelope.Address
	to         envelope.Address
	recipients []envelope.Address
	reason     string
	arrival    time.Time
	original   textproto.Header
	quoted     string
}

func writeDSN(w io.Writer, d dsn) error {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: "Mail Delivery System", Address: d.postmaster.String()}})
	h.SetAddressList("To", []*mail.Address{{Address: d.to.String()}})
	h.SetSubject("Undelivered Mail Returned to Sender")
	h.Set("Message-ID", fmt.Sprintf("<%d.bounce@%s>", time.Now().UnixNano(), d.serverName))
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", "multipart/report; report-type=delivery-status")
	if id := d.original.Get("Message-Id"); id != "" {
		h.Set("In-Reply-To", id)
		h.Set("References", id)
	}

	mw, err := message.CreateWriter(w, h.Header)
	if err != nil {
		return err
	}

	if err := writePart(mw, "text/plain; charset=utf-8", explanation(d)); err != nil {
		return err
	}
	if err := writePart(mw, "message/delivery-status", deliveryStatus(d)); err != nil {
		return err
	}
	if d.original.Len() > 0 {
		var hdr bytes.Buffer
		if err := textproto.WriteHeader(&hdr, d.original); err != nil {
			return err
		}
		if err := writePart(mw, "text/rfc822-headers", hdr.String()); err != nil {
			return err
		}
	}
	return mw.Close()
}

func writePart(mw *message.Writer, contentType, body string) error {
	var h message.Header
	h.Set("Content-Type", contentType)
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(pw, body); err != nil {
		pw.Close()
		return err
	}
	return pw.Close()
}

func explanation(d dsn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This is the mail system at host %s.\r\n\r\n", d.serverName)
	b.WriteString("Your message could not be delivered to the following recipients:\r\n\r\n")
	for _, r := range d.recipients {
		fmt.Fprintf(&b, "  <%s>: %s\r\n", r.String(), d.reason)
	}
	if d.quoted != "" {
		b.WriteString("\r\n----- Original message -----\r\n\r\n")
		for _, line := range strings.Split(strings.ReplaceAll(d.quoted, "\r\n", "\n"), "\n") {
			b.WriteString("> ")
			b.WriteString(line)
			b.WriteString("\r\n")
		}
	}
	return b.String()
}

func deliveryStatus(d dsn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reporting-MTA: dns; %s\r\n", d.serverName)
	if !d.arrival.IsZero() {
		fmt.Fprintf(&b, "Arrival-Date: %s\r\n", d.arrival.Format(time.RFC1123Z))
	}
	status := statusCode(d.reason)
	for _, r := range d.recipients {
		b.WriteString("\r\n")
		fmt.Fprintf(&b, "Final-Recipient: rfc822; %s\r\n", r.String())
		b.WriteString("Action: failed\r\n")
		fmt.Fprintf(&b, "Status: %s\r\n", status)
		fmt.Fprintf(&b, "Diagnostic-Code: X-Spoold; %s\r\n", strings.ReplaceAll(d.reason, "\n", " "))
	}
	return b.String()
}

// statusCode picks the enhanced status code out of an SMTP reply quoted in
// reason, falling back to a generic permanent failure.
func statusCode(reason string) string {
	for _, field := range strings.Fields(reason) {
		parts := strings.Split(strings.Trim(field, "():;,"), ".")
		if len(parts) != 3 || (parts[0] != "4" && parts[0] != "5") {
			continue
		}
		valid := true
		for _, p := range parts[1:] {
			if p == "" || strings.Trim(p, "0123456789") != "" {
				valid = false
				break
			}
		}
		if valid {
			return "5." + parts[1] + "." + parts[2]
		}
	}
	return "5.0.0"
}
