package util

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"strings"
)

// RedactToken keeps four characters at each end of download, invite and
// API key tokens.
func RedactToken(token string) string {
	switch {
	case token == "":
		return ""
	case len(token) <= 12:
		return "[redacted]"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// RedactID keeps the first group of a cryptex id.
func RedactID(id string) string {
	head, _, ok := strings.Cut(id, "-")
	if !ok {
		return "[redacted]"
	}
	return head + "-****-***"
}

// RedactIP zeroes the host part: the last octet for IPv4, everything after
// /32 for IPv6. Unparseable input is hashed.
func RedactIP(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		sum := sha256.Sum256([]byte(addr))
		return "hash:" + hex.EncodeToString(sum[:8])
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], v4[2], 0).String()
	}
	return ip.Mask(net.CIDRMask(32, 128)).String()
}
