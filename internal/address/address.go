// Package address validates resource address strings: bare IPs, CIDRs,
// bracketed IPv6 literals, and DNS names, rejecting anything carrying an
// embedded port number or a mismatched bracket.
package address

import (
	"fmt"
	"net/netip"
	"strings"
)

// ErrInvalidAddress is wrapped by every rejection Validate returns.
var ErrInvalidAddress = fmt.Errorf("address: invalid")

// Validate reports whether addr is an acceptable resource address: a bare
// IPv4/IPv6 address, a CIDR, a bracketed IPv6 literal ("[::1]"), or a DNS
// name — none carrying a port suffix, and with balanced brackets.
func Validate(addr string) error {
	if addr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	open := strings.Count(addr, "[")
	close := strings.Count(addr, "]")
	if open != close || open > 1 {
		return fmt.Errorf("%w: mismatched brackets in %q", ErrInvalidAddress, addr)
	}
	if open == 1 {
		return validateBracketed(addr)
	}

	if _, err := netip.ParseAddr(addr); err == nil {
		return nil
	}
	if _, err := netip.ParsePrefix(addr); err == nil {
		return nil
	}
	if strings.Contains(addr, ":") {
		return fmt.Errorf("%w: embedded port in %q", ErrInvalidAddress, addr)
	}
	return validateDNSName(addr)
}

func validateBracketed(addr string) error {
	if !strings.HasPrefix(addr, "[") {
		return fmt.Errorf("%w: mismatched brackets in %q", ErrInvalidAddress, addr)
	}
	closeIdx := strings.Index(addr, "]")
	if closeIdx != len(addr)-1 {
		return fmt.Errorf("%w: embedded port in %q", ErrInvalidAddress, addr)
	}
	inner := addr[1:closeIdx]
	if _, err := netip.ParseAddr(inner); err != nil {
		return fmt.Errorf("%w: bracketed non-IP literal %q", ErrInvalidAddress, addr)
	}
	return nil
}

// validateDNSName applies the ordinary hostname label rules: 1-63
// alphanumeric-or-hyphen characters per label, no leading/trailing hyphen,
// at least one label, a single leading "*" wildcard label permitted.
func validateDNSName(name string) error {
	labels := strings.Split(name, ".")
	for i, label := range labels {
		if label == "*" && i == 0 {
			continue
		}
		if !validLabel(label) {
			return fmt.Errorf("%w: invalid DNS label %q in %q", ErrInvalidAddress, label, name)
		}
	}
	return nil
}

func validLabel(label string) bool {
	if len(label) == 0 || len(label) > 63 {
		return false
	}
	if label[0] == '-' || label[len(label)-1] == '-' {
		return false
	}
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return false
		}
	}
	return true
}
