// Package hostport splits network addresses into their host and port
// halves without the strictness of net.SplitHostPort. Bare hosts,
// bracketed IPv6 literals, and missing ports are all accepted.
package hostport

import (
	"errors"
	"strings"
)

var (
	// ErrTooManyOpen means the address holds more than one '['
	ErrTooManyOpen = errors.New("too many '['")
	// ErrTooManyClose means the address holds more than one ']'
	ErrTooManyClose = errors.New("too many ']'")
	// ErrMissingOpen means a ']' appears without its '['
	ErrMissingOpen = errors.New("missing '['")
	// ErrMissingClose means a '[' appears without its ']'
	ErrMissingClose = errors.New("missing ']'")
	// ErrLeadingGarbage means text precedes the opening '['
	ErrLeadingGarbage = errors.New("nothing can come before '['")
	// ErrBadPort means the text after the host is not a ':'-led port
	ErrBadPort = errors.New("poorly separated or formatted port")
)

// Split breaks "host", "host:port", "[host]", "[host]:port",
// "[ipv6%zone]", or "[ipv6%zone]:port" into host and port. Port comes
// back empty when the address carries none. Unbracketed strings split
// on their last colon, so bare IPv6 literals lose their final group to
// the port unless bracketed.
func Split(addr string) (string, string, error) {
	if addr == "" {
		return "", "", nil
	}
	if strings.Count(addr, "[") > 1 {
		return "", "", ErrTooManyOpen
	}
	if strings.Count(addr, "]") > 1 {
		return "", "", ErrTooManyClose
	}

	lb := strings.IndexByte(addr, '[')
	rb := strings.IndexByte(addr, ']')
	switch {
	case lb == -1 && rb == -1:
		i := strings.LastIndexByte(addr, ':')
		if i < 0 {
			return addr, "", nil
		}
		return addr[:i], addr[i+1:], nil
	case lb == -1:
		return "", "", ErrMissingOpen
	case lb > 0:
		return "", "", ErrLeadingGarbage
	case rb == -1:
		return "", "", ErrMissingClose
	}

	port, err := splitPort(addr[rb+1:])
	if err != nil {
		return "", "", err
	}
	return addr[1:rb], port, nil
}

// splitPort strips the leading colon off a bracketed address's tail
func splitPort(tail string) (string, error) {
	if tail == "" {
		return "", nil
	}
	if tail[0] != ':' || strings.Count(tail, ":") != 1 {
		return "", ErrBadPort
	}
	return tail[1:], nil
}
