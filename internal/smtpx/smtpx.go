// Package smtpx is the outbound mail transport. The rest of the pipeline only
// sees the Transport interface, the SMTP mechanics live here.
package smtpx

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"os"
	"time"

	"github.com/google/uuid"
	courier "github.com/openhire/courier"
	"github.com/openhire/courier/internal/dnsx"
)

const MessageDateFormat = "Mon, 02 Jan 2006 15:04:05 -0700"

type Transport interface {
	// Send performs one delivery attempt. Any error, including a timeout,
	// counts as a failed attempt for retry purposes.
	Send(ctx context.Context, email *courier.Email) error
}

type RelayConfig struct {
	Addr      string // host:port of the relay, empty means direct delivery to the recipient MX
	LocalName string
	User      string
	Password  string
	Timeout   time.Duration
}

// NewRelay returns a Transport that submits mail to a configured relay, or
// falls back to the recipient domain's MX servers when no relay is set.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.LocalName == "" {
		cfg.LocalName, _ = os.Hostname()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Relay{cfg: cfg, lookup: dnsx.LookupEmailMX}
}

type Relay struct {
	cfg    RelayConfig
	lookup dnsx.MXLookup
}

func (r *Relay) Send(ctx context.Context, email *courier.Email) error {
	servers := []string{r.cfg.Addr}
	if r.cfg.Addr == "" {
		var err error
		servers, err = r.lookup(email.To.Email)
		if err != nil {
			return fmt.Errorf("could not find a server to send to, %w", err)
		}
	}

	content, err := Marshal(email)
	if err != nil {
		return fmt.Errorf("could not marshal email, %w", err)
	}

	var lastErr error
	for _, addr := range servers {
		lastErr = r.submit(ctx, addr, email, content)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (r *Relay) submit(ctx context.Context, addr string, email *courier.Email, content []byte) error {

	deadline := time.Now().Add(r.cfg.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	dialer := net.Dialer{Deadline: deadline}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("could not dial %s, %w", addr, err)
	}
	_ = conn.SetDeadline(deadline)

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	c, err := smtp.NewClient(conn, host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("could not create smtp client for %s, %w", addr, err)
	}
	defer c.Close()

	err = c.Hello(r.cfg.LocalName)
	if err != nil {
		return fmt.Errorf("helo failed, %w", err)
	}

	if ok, _ := c.Extension("STARTTLS"); ok {
		err = c.StartTLS(&tls.Config{ServerName: host})
		if err != nil {
			return fmt.Errorf("starttls failed, %w", err)
		}
	}

	if r.cfg.User != "" {
		err = c.Auth(smtp.PlainAuth("", r.cfg.User, r.cfg.Password, host))
		if err != nil {
			return fmt.Errorf("auth failed, %w", err)
		}
	}

	err = c.Mail(email.From.Email)
	if err != nil {
		return fmt.Errorf("mail from failed, %w", err)
	}
	err = c.Rcpt(email.To.Email)
	if err != nil {
		return fmt.Errorf("rcpt to failed, %w", err)
	}

	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("data failed, %w", err)
	}
	_, err = w.Write(content)
	if err != nil {
		return fmt.Errorf("could not write content, %w", err)
	}
	err = w.Close()
	if err != nil {
		return fmt.Errorf("could not close data writer, %w", err)
	}

	return c.Quit()
}

// GenerateMessageId returns a fresh rfc5322 message id for the local host.
func GenerateMessageId(localName string) string {
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), localName)
}

// Marshal renders the email to wire format. Both html and text bodies present
// yields a multipart/alternative envelope.
func Marshal(email *courier.Email) ([]byte, error) {
	var buf bytes.Buffer

	headers := map[string]string{
		"From":         email.From.String(),
		"To":           email.To.String(),
		"Subject":      email.Subject,
		"MIME-Version": "1.0",
		"Date":         time.Now().In(time.UTC).Format(MessageDateFormat),
	}
	for k, v := range email.Headers {
		headers[k] = v
	}
	if headers["Message-Id"] == "" {
		headers["Message-Id"] = GenerateMessageId("localhost")
	}

	writeHeader := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	switch {
	case email.HTML != "" && email.Text != "":
		mp := multipart.NewWriter(&buf)
		headers["Content-Type"] = fmt.Sprintf("multipart/alternative; boundary=%q", mp.Boundary())
		for k, v := range headers {
			writeHeader(k, v)
		}
		buf.WriteString("\r\n")

		part, err := mp.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/plain; charset=utf-8"}})
		if err != nil {
			return nil, err
		}
		_, _ = part.Write([]byte(email.Text))

		part, err = mp.CreatePart(textproto.MIMEHeader{"Content-Type": {"text/html; charset=utf-8"}})
		if err != nil {
			return nil, err
		}
		_, _ = part.Write([]byte(email.HTML))

		err = mp.Close()
		if err != nil {
			return nil, err
		}
	case email.HTML != "":
		headers["Content-Type"] = "text/html; charset=utf-8"
		for k, v := range headers {
			writeHeader(k, v)
		}
		buf.WriteString("\r\n")
		buf.WriteString(email.HTML)
	default:
		headers["Content-Type"] = "text/plain; charset=utf-8"
		for k, v := range headers {
			writeHeader(k, v)
		}
		buf.WriteString("\r\n")
		buf.WriteString(email.Text)
	}

	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}
