package report

import (
	"encoding/json"
	"fmt"
	"net/mail"
	"strings"
)

// Format selects the artifact rendering.
type Format string

const (
	FormatTabular  Format = "tabular"
	FormatDocument Format = "document"
)

// ParseFormat accepts "tabular"/"csv" and "document"/"pdf", case-insensitively.
func ParseFormat(s string) (Format, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "tabular", "csv":
		return FormatTabular, true
	case "document", "pdf":
		return FormatDocument, true
	default:
		return "", false
	}
}

func (f *Format) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("format must be a string: %w", err)
	}
	if parsed, ok := ParseFormat(s); ok {
		*f = parsed
		return nil
	}
	*f = Format(s)
	return nil
}

func (f Format) Valid() bool { return f == FormatTabular || f == FormatDocument }

// Extension is the attachment file extension without the dot.
func (f Format) Extension() string {
	if f == FormatDocument {
		return "pdf"
	}
	return "csv"
}

func (f Format) MIMEType() string {
	if f == FormatDocument {
		return "application/pdf"
	}
	return "text/csv"
}

// Credentials identify the sender to the submission server.
//
// The secret itself is never stored: PasswordRef is "env:<VAR>" or
// "secret:<name>" and is resolved at delivery time.
type Credentials struct {
	Username    string `json:"username,omitempty"`
	PasswordRef string `json:"password_ref"`
}

// DeliveryConfig describes where and how a report is delivered.
type DeliveryConfig struct {
	Host        string      `json:"host"`
	Port        int         `json:"port"`
	Sender      string      `json:"sender"`
	Credentials Credentials `json:"credentials"`
	Recipients  []string    `json:"recipients"`
	Format      Format      `json:"format"`
}

// Normalize trims whitespace in place.
func (d *DeliveryConfig) Normalize() {
	d.Host = strings.TrimSpace(d.Host)
	d.Sender = strings.TrimSpace(d.Sender)
	d.Credentials.Username = strings.TrimSpace(d.Credentials.Username)
	d.Credentials.PasswordRef = strings.TrimSpace(d.Credentials.PasswordRef)
	for i, r := range d.Recipients {
		d.Recipients[i] = strings.TrimSpace(r)
	}
}

func (d DeliveryConfig) Clone() DeliveryConfig {
	d.Recipients = append([]string(nil), d.Recipients...)
	return d
}

// Validate checks every field and returns the first InvalidConfig error.
func (d DeliveryConfig) Validate() error {
	if strings.TrimSpace(d.Host) == "" {
		return InvalidConfig("delivery.host", "required")
	}
	if d.Port <= 0 || d.Port > 65535 {
		return InvalidConfig("delivery.port", "%d out of range [1,65535]", d.Port)
	}
	if strings.TrimSpace(d.Sender) == "" {
		return InvalidConfig("delivery.sender", "required")
	}
	if _, err := parseAddress(d.Sender); err != nil {
		return InvalidConfig("delivery.sender", "%v", err)
	}
	if err := ValidatePasswordRef(d.Credentials.PasswordRef); err != nil {
		return InvalidConfig("delivery.credentials.password_ref", "%v", err)
	}
	if len(d.Recipients) == 0 {
		return InvalidConfig("delivery.recipients", "at least one recipient required")
	}
	seen := make(map[string]struct{}, len(d.Recipients))
	for i, r := range d.Recipients {
		field := fmt.Sprintf("delivery.recipients[%d]", i)
		addr, err := parseAddress(r)
		if err != nil {
			return InvalidConfig(field, "%v", err)
		}
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup {
			return InvalidConfig(field, "duplicate recipient %q", addr)
		}
		seen[key] = struct{}{}
	}
	if !d.Format.Valid() {
		return InvalidConfig("delivery.format", "unknown format %q (want tabular or document)", string(d.Format))
	}
	return nil
}

// parseAddress accepts a bare address or "Name <addr>" and returns the address.
func parseAddress(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty address")
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", s, err)
	}
	return a.Address, nil
}

// EnvelopeAddress returns the bare addr-spec of s ("Name <a@b>" -> "a@b").
// Unparseable input is returned trimmed.
func EnvelopeAddress(s string) string {
	addr, err := parseAddress(s)
	if err != nil {
		return strings.TrimSpace(s)
	}
	return addr
}

// ValidatePasswordRef checks the reference syntax (not that it resolves).
func ValidatePasswordRef(ref string) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("required")
	}
	scheme, name, ok := strings.Cut(ref, ":")
	if !ok || strings.TrimSpace(name) == "" {
		return fmt.Errorf("must be env:<VAR> or secret:<name>")
	}
	switch scheme {
	case "env", "secret":
		return nil
	default:
		return fmt.Errorf("unknown scheme %q (want env or secret)", scheme)
	}
}
