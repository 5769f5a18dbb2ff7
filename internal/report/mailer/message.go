package mailer

import (
	"bytes"
	"fmt"
	"mime"
	"mime/multipart"
	"net/mail"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"reportd/internal/report"
)

// Attachment is a file carried by a Message.
type Attachment struct {
	Name     string
	MIMEType string
	Data     []byte
}

// Message is one outbound report email.
type Message struct {
	From       string
	To         string
	Subject    string
	Body       string
	Attachment Attachment
}

// Compose builds the report message for one recipient. firedAt names the
// firing (subject, attachment date); generatedAt is when the artifact was made.
func Compose(datasetName string, format report.Format, artifact []byte, from, to string, firedAt, generatedAt time.Time) Message {
	body := strings.Join([]string{
		"Automated Report: " + datasetName,
		"Generated on: " + generatedAt.Format("2006-01-02 15:04:05"),
		"",
		"Please find the attached report.",
	}, "\n")
	return Message{
		From:    from,
		To:      to,
		Subject: fmt.Sprintf("Scheduled Report: %s (%s)", datasetName, firedAt.Format("2006-01-02 15:04")),
		Body:    body,
		Attachment: Attachment{
			Name:     fmt.Sprintf("%s_%s.%s", datasetName, firedAt.Format("20060102"), format.Extension()),
			MIMEType: format.MIMEType(),
			Data:     artifact,
		},
	}
}

// Bytes encodes m as a multipart/mixed RFC 5322 message with CRLF line endings.
func (m Message) Bytes(now time.Time) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	text, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeQP(text, m.Body); err != nil {
		return nil, err
	}

	if len(m.Attachment.Data) > 0 || m.Attachment.Name != "" {
		ct := m.Attachment.MIMEType
		if ct == "" {
			ct = "application/octet-stream"
		}
		att, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ct, map[string]string{"name": m.Attachment.Name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": m.Attachment.Name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(att, m.Attachment.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var out bytes.Buffer
	hdr := func(k, v string) { fmt.Fprintf(&out, "%s: %s\r\n", k, v) }
	hdr("From", headerAddress(m.From))
	hdr("To", headerAddress(m.To))
	hdr("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	hdr("Date", now.Format(time.RFC1123Z))
	hdr("Message-ID", "<"+uuid.NewString()+"@"+domainOf(m.From)+">")
	hdr("MIME-Version", "1.0")
	hdr("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	out.WriteString("\r\n")
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// headerAddress re-encodes "Name <addr>" so non-ASCII display names are
// RFC 2047 words.
func headerAddress(s string) string {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return s
	}
	return a.String()
}

func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return "localhost"
}
