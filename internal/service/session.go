package service

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/width"
)

const defaultChannel = "sms"

// knownChannels are address prefixes gateways put in front of the number,
// e.g. "whatsapp:+5511999990000".
var knownChannels = map[string]struct{}{
	"whatsapp":  {},
	"sms":       {},
	"telegram":  {},
	"messenger": {},
	"instagram": {},
	"web":       {},
}

// SplitAddress separates a channel prefix from an address.
func SplitAddress(addr string) (channel, rest string) {
	addr = strings.TrimSpace(addr)
	if i := strings.IndexByte(addr, ':'); i > 0 {
		prefix := strings.ToLower(addr[:i])
		if _, ok := knownChannels[prefix]; ok {
			return prefix, addr[i+1:]
		}
	}
	return "", addr
}

// NormalizeAddress folds an address into the form used for hashing: no
// channel prefix, lowercase, half-width. Formatting characters are dropped
// from phone numbers only; e-mail style handles keep their dots.
func NormalizeAddress(addr string) string {
	_, rest := SplitAddress(addr)
	rest = strings.ToLower(strings.TrimSpace(width.Fold.String(rest)))
	if !isPhoneLike(rest) {
		return rest
	}

	var b strings.Builder
	b.Grow(len(rest))
	for _, r := range rest {
		if isPhoneSeparator(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isPhoneSeparator(r rune) bool {
	switch r {
	case ' ', '\t', '-', '(', ')', '.':
		return true
	}
	return false
}

// isPhoneLike reports whether s holds only digits, a plus sign and
// separators, with at least one digit.
func isPhoneLike(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || isPhoneSeparator(r):
		default:
			return false
		}
	}
	return digits > 0
}

// ChannelOf returns the explicit channel when set, otherwise the prefix of
// either address, otherwise the default channel.
func ChannelOf(explicit, from, to string) string {
	if c := strings.ToLower(strings.TrimSpace(explicit)); c != "" {
		return c
	}
	if c, _ := SplitAddress(from); c != "" {
		return c
	}
	if c, _ := SplitAddress(to); c != "" {
		return c
	}
	return defaultChannel
}

// SessionKey is the stable identity of a counterparty pair within a tenant.
// The addresses are ordered first so both directions of a chat share a key.
func SessionKey(tenantID, channel, from, to string) string {
	a, b := NormalizeAddress(from), NormalizeAddress(to)
	if b < a {
		a, b = b, a
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{tenantID, channel, a, b}, "|")))
	return hex.EncodeToString(sum[:])
}
