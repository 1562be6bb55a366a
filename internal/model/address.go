package model

import "strings"

// NormalizeAddress canonicalizes an email address for identity
// comparison: lowercased and trimmed, with Gmail's dot-insensitive local
// parts and plus-suffix aliases collapsed so the same human maps to the
// same address everywhere it is compared.
func NormalizeAddress(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))

	at := strings.LastIndexByte(addr, '@')
	if at <= 0 || at == len(addr)-1 {
		return addr
	}

	local := addr[:at]
	domain := addr[at+1:]

	if domain == "googlemail.com" {
		domain = "gmail.com"
	}

	if plus := strings.IndexByte(local, '+'); plus >= 0 {
		local = local[:plus]
	}
	if domain == "gmail.com" {
		local = strings.ReplaceAll(local, ".", "")
	}

	if local == "" {
		return addr
	}
	return local + "@" + domain
}
