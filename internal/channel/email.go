package channel

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-msgauth/dkim"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/salonhq/outreach/internal/template"
)

// EmailConfig configures the SMTP submission adapter.
type EmailConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`

	// Optional DKIM signing of outbound mail.
	DKIMDomain   string `yaml:"dkim_domain"`
	DKIMSelector string `yaml:"dkim_selector"`
	DKIMKeyFile  string `yaml:"dkim_key_file"`
}

// EmailAdapter submits mail to a relay over SMTP.
type EmailAdapter struct {
	cfg     EmailConfig
	timeout time.Duration
	dkimKey *rsa.PrivateKey
	logger  *slog.Logger
}

// NewEmailAdapter creates the adapter, loading the DKIM key when one
// is configured.
func NewEmailAdapter(cfg EmailConfig, logger *slog.Logger) (*EmailAdapter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("email host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email from address is required")
	}

	a := &EmailAdapter{
		cfg:     cfg,
		timeout: 30 * time.Second,
		logger:  logger,
	}

	if cfg.DKIMKeyFile != "" {
		key, err := loadDKIMKey(cfg.DKIMKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load DKIM key: %w", err)
		}
		a.dkimKey = key
	}

	return a, nil
}

// Channel implements Adapter.
func (a *EmailAdapter) Channel() Channel {
	return Email
}

// Send implements Adapter.
func (a *EmailAdapter) Send(ctx context.Context, rcpt Recipient, content template.Content) (string, error) {
	messageID := fmt.Sprintf("%s@%s", uuid.New().String(), extractDomain(a.cfg.From))
	data := a.buildMessage(rcpt, content, messageID)

	if a.dkimKey != nil {
		signed, err := a.sign(data)
		if err != nil {
			a.logger.Warn("DKIM signing failed, sending unsigned", "error", err)
		} else {
			data = signed
		}
	}

	if err := a.submit(ctx, rcpt.Identifier, data); err != nil {
		return "", err
	}

	return messageID, nil
}

// submit delivers the message to the configured relay.
func (a *EmailAdapter) submit(ctx context.Context, to string, data []byte) error {
	addr := net.JoinHostPort(a.cfg.Host, fmt.Sprintf("%d", a.cfg.Port))

	client, err := a.connect(ctx, addr)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Hello(extractDomain(a.cfg.From)); err != nil {
		return classifySMTP(err, "HELO")
	}

	if a.cfg.Username != "" {
		auth := sasl.NewPlainClient("", a.cfg.Username, a.cfg.Password)
		if err := client.Auth(auth); err != nil {
			return classifySMTP(err, "AUTH")
		}
	}

	if err := client.Mail(a.cfg.From, nil); err != nil {
		return classifySMTP(err, "MAIL FROM")
	}
	if err := client.Rcpt(to, nil); err != nil {
		return classifySMTP(err, "RCPT TO")
	}

	wc, err := client.Data()
	if err != nil {
		return classifySMTP(err, "DATA")
	}
	if _, err := wc.Write(data); err != nil {
		wc.Close()
		return NewTemporary(Email, "write failed: %v", err)
	}
	if err := wc.Close(); err != nil {
		return classifySMTP(err, "DATA close")
	}

	return client.Quit()
}

// connect dials the relay and upgrades to TLS when the server offers
// STARTTLS. Relays without STARTTLS get a plaintext session, with a
// warning.
func (a *EmailAdapter) connect(ctx context.Context, addr string) (*smtp.Client, error) {
	dial := func() (net.Conn, error) {
		dialer := &net.Dialer{Timeout: a.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, err
		}
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		} else {
			conn.SetDeadline(time.Now().Add(a.timeout))
		}
		return conn, nil
	}

	conn, err := dial()
	if err != nil {
		return nil, NewTemporary(Email, "connection failed to %s: %v", addr, err)
	}

	tlsConfig := &tls.Config{
		ServerName: a.cfg.Host,
		MinVersion: tls.VersionTLS12,
	}
	client, err := smtp.NewClientStartTLS(conn, tlsConfig)
	if err == nil {
		return client, nil
	}
	a.logger.Warn("STARTTLS unavailable, continuing without encryption", "error", err)

	// NewClientStartTLS closes the connection on failure.
	conn, err = dial()
	if err != nil {
		return nil, NewTemporary(Email, "connection failed to %s: %v", addr, err)
	}
	return smtp.NewClient(conn), nil
}

// buildMessage constructs the RFC 5322 message.
func (a *EmailAdapter) buildMessage(rcpt Recipient, content template.Content, messageID string) []byte {
	var buf bytes.Buffer

	from := a.cfg.From
	if a.cfg.FromName != "" {
		from = a.cfg.FromName + " <" + a.cfg.From + ">"
	}

	to := rcpt.Identifier
	if rcpt.Name != "" {
		to = rcpt.Name + " <" + rcpt.Identifier + ">"
	}

	buf.WriteString(fmt.Sprintf("From: %s\r\n", from))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", to))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", content.Subject))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	buf.WriteString(fmt.Sprintf("Message-ID: <%s>\r\n", messageID))
	buf.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	buf.WriteString("\r\n")
	buf.WriteString(content.Body)
	buf.WriteString("\r\n")

	return buf.Bytes()
}

func (a *EmailAdapter) sign(data []byte) ([]byte, error) {
	options := &dkim.SignOptions{
		Domain:                 a.cfg.DKIMDomain,
		Selector:               a.cfg.DKIMSelector,
		Signer:                 a.dkimKey,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var signed bytes.Buffer
	if err := dkim.Sign(&signed, bytes.NewReader(data), options); err != nil {
		return nil, err
	}
	return signed.Bytes(), nil
}

// classifySMTP translates an SMTP response into the taxonomy. 4xx
// replies are transient by SMTP convention; 5xx are permanent, except
// 552 (mailbox full) which providers treat as retryable.
func classifySMTP(err error, phase string) error {
	msg := err.Error()

	if smtpErr, ok := err.(*smtp.SMTPError); ok {
		if smtpErr.Code >= 500 && smtpErr.Code != 552 {
			return NewPermanent(Email, "%s rejected: %s", phase, msg)
		}
		return NewTemporary(Email, "%s deferred: %s", phase, msg)
	}

	return NewTemporary(Email, "%s failed: %s", phase, msg)
}

func loadDKIMKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA key: %s", path)
	}
	return key, nil
}

func extractDomain(email string) string {
	parts := strings.Split(email, "@")
	if len(parts) == 2 {
		return parts[1]
	}
	return "localhost"
}
