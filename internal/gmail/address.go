package gmail

import (
	"net/mail"
	"strings"
)

// SenderDomain returns the lower-cased domain of the first parsable address
// in a From header, or "" when none is found.
func SenderDomain(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	addrs, err := mail.ParseAddressList(from)
	if err != nil {
		return extractDomain(from)
	}
	for _, addr := range addrs {
		if dom := extractDomain(addr.Address); dom != "" {
			return dom
		}
	}
	return ""
}

// SenderName returns the display name of a From header, or "" when the
// header has none or does not parse.
func SenderName(from string) string {
	addr, err := mail.ParseAddress(strings.TrimSpace(from))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(addr.Name)
}

func extractDomain(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	address = strings.Trim(address, "<>\" ")
	if address == "" {
		return ""
	}
	at := strings.LastIndex(address, "@")
	if at == -1 {
		return ""
	}
	domain := address[at+1:]
	return strings.Trim(domain, ".> ")
}
