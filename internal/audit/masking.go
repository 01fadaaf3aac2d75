// Package audit records every security-relevant decision as an immutable,
// PII-masked entry. Audit records are intentionally separate from application
// logs: application logs are ephemeral debug output for on-call engineers,
// while audit entries are compliance records with retention measured in years.
// Masking happens before an entry is constructed — nothing downstream ever
// sees a raw address.
package audit

import (
	"fmt"
	"net"
	"regexp"
	"strings"
)

// redacted replaces any value that cannot be masked with confidence. Losing
// detail is always preferred over leaking it.
const redacted = "***"

var emailShape = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// MaskEmail reduces an email address to its first two characters plus the
// domain: "johndoe@example.com" → "jo***@example.com". Values that do not
// look like an email are fully redacted.
func MaskEmail(email string) string {
	if !emailShape.MatchString(email) {
		return redacted
	}
	at := strings.LastIndex(email, "@")
	local, domain := email[:at], email[at+1:]

	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	return fmt.Sprintf("%s***@%s", local[:keep], domain)
}

// MaskIP zeroes the host portion of an address: the last octet for IPv4, the
// interface identifier for IPv6. Unparseable input is fully redacted.
func MaskIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return redacted
	}
	if v4 := parsed.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.0", v4[0], v4[1], v4[2])
	}
	// Keep the /64 network prefix, drop the rest.
	v6 := parsed.To16()
	masked := make(net.IP, net.IPv6len)
	copy(masked, v6[:8])
	return masked.String()
}

// sensitiveKeys lists detail fields that always carry PII. Matching is
// case-insensitive on the lowered key.
var sensitiveKeys = map[string]func(string) string{
	"email":          MaskEmail,
	"recipient":      MaskEmail,
	"redeemer_email": MaskEmail,
	"ip":             MaskIP,
	"ip_address":     MaskIP,
	"client_ip":      MaskIP,
	"phone":          func(string) string { return redacted },
	"password":       func(string) string { return redacted },
	"token":          func(string) string { return redacted },
	"authorization":  func(string) string { return redacted },
}

// MaskDetails returns a copy of details with PII fields masked. Keys known to
// carry PII are masked by type; any value under such a key that is not a
// string (an unexpected shape) is conservatively replaced wholesale. String
// values under other keys that look like an email address are masked too.
// MaskDetails never fails: when in doubt it redacts.
func MaskDetails(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	masked := make(map[string]interface{}, len(details))
	for key, value := range details {
		if maskFn, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
			if s, ok := value.(string); ok {
				masked[key] = maskFn(s)
			} else {
				masked[key] = redacted
			}
			continue
		}
		if s, ok := value.(string); ok && emailShape.MatchString(s) {
			masked[key] = MaskEmail(s)
			continue
		}
		masked[key] = value
	}
	return masked
}
