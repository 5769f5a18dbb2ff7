// Package mailer submits report messages over SMTP.
package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"reportd/internal/report"
	logx "reportd/pkg/logx"
)

const implicitTLSPort = 465

// SMTP sends one message per call. It is safe for concurrent use; every call
// opens its own connection.
type SMTP struct {
	log     logx.Logger
	secrets *Secrets
	// TLSConfig, when set, is cloned for every TLS handshake (tests, private CAs).
	TLSConfig *tls.Config
	now       func() time.Time
}

func NewSMTP(secrets *Secrets, log logx.Logger) *SMTP {
	if secrets == nil {
		secrets = NewSecrets(nil)
	}
	return &SMTP{log: log.With(logx.String("comp", "mailer")), secrets: secrets, now: time.Now}
}

// Send delivers msg through the server described by cfg. ctx bounds the whole
// exchange. Errors are classified as report.ErrTransportTimeout,
// report.ErrTransportAuth or report.ErrTransportRejected.
func (s *SMTP) Send(ctx context.Context, cfg report.DeliveryConfig, msg Message) error {
	password, err := s.secrets.Resolve(cfg.Credentials.PasswordRef)
	if err != nil {
		return report.TransportAuth(err)
	}
	raw, err := msg.Bytes(s.now())
	if err != nil {
		return report.TransportRejected(err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classify(ctx, "dial", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// Unblock any pending read or write when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	tlsCfg := s.tlsConfig(cfg.Host)
	if cfg.Port == implicitTLSPort {
		conn = tls.Client(conn, tlsCfg)
	}

	c, err := smtp.NewClient(conn, cfg.Host)
	if err != nil {
		_ = conn.Close()
		return classify(ctx, "greeting", err)
	}
	defer c.Close()

	if cfg.Port != implicitTLSPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsCfg); err != nil {
				return classify(ctx, "starttls", err)
			}
		}
	}

	from := report.EnvelopeAddress(cfg.Sender)
	if password != "" {
		user := cfg.Credentials.Username
		if user == "" {
			user = from
		}
		if ok, _ := c.Extension("AUTH"); !ok {
			return report.TransportAuth(errors.New("server does not offer AUTH"))
		}
		if err := c.Auth(smtp.PlainAuth("", user, password, cfg.Host)); err != nil {
			if ctxErr := ctxTimeout(ctx, err); ctxErr != nil {
				return ctxErr
			}
			return report.TransportAuth(err)
		}
	}

	if err := c.Mail(from); err != nil {
		return classify(ctx, "mail from", err)
	}
	if err := c.Rcpt(report.EnvelopeAddress(msg.To)); err != nil {
		return classify(ctx, "rcpt to", err)
	}
	w, err := c.Data()
	if err != nil {
		return classify(ctx, "data", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return classify(ctx, "data", err)
	}
	if err := w.Close(); err != nil {
		return classify(ctx, "data", err)
	}
	if err := c.Quit(); err != nil {
		// The message was accepted at end of DATA.
		s.log.Debug("smtp quit failed", logx.String("host", cfg.Host), logx.Err(err))
	}
	return nil
}

func (s *SMTP) tlsConfig(host string) *tls.Config {
	if s.TLSConfig != nil {
		c := s.TLSConfig.Clone()
		if c.ServerName == "" {
			c.ServerName = host
		}
		return c
	}
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

func ctxTimeout(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return report.TransportTimeout(fmt.Errorf("%w: %v", ctx.Err(), err))
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return report.TransportTimeout(err)
	}
	return nil
}

// classify maps a failed SMTP step to the error taxonomy. Reply codes 530,
// 534 and 535 are authentication failures; any other reply or network
// failure is a rejection.
func classify(ctx context.Context, step string, err error) error {
	if e := ctxTimeout(ctx, err); e != nil {
		return e
	}
	err = fmt.Errorf("%s: %w", step, err)
	var te *textproto.Error
	if errors.As(err, &te) {
		switch te.Code {
		case 530, 534, 535:
			return report.TransportAuth(err)
		}
	}
	return report.TransportRejected(err)
}
