package devserver

import (
	"regexp"
	"strings"
)

var (
	ansiRe    = regexp.MustCompile(`\x1b\[[0-9;?]*[A-Za-z]`)
	urlAddrRe = regexp.MustCompile(`(?i)\b(https?)://(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]|[a-z0-9.-]+\.local):(\d{2,5})\b`)
	hostRe    = regexp.MustCompile(`(?i)\b(?:listening|running|started|serving|available|ready)\b.*?(localhost|127\.0\.0\.1|0\.0\.0\.0|\[::1?\]):(\d{2,5})\b`)
	portRe    = regexp.MustCompile(`(?i)\b(?:listening|running|started|serving)\b.*?\bport\s*:?\s*(\d{2,5})\b`)
)

// ParseListenAddress extracts a browsable address from a line of dev-server
// output. It returns "" when the line announces nothing.
func ParseListenAddress(line string) string {
	line = ansiRe.ReplaceAllString(line, "")
	if m := urlAddrRe.FindStringSubmatch(line); m != nil {
		return strings.ToLower(m[1]) + "://" + normalizeHost(m[2]) + ":" + m[3]
	}
	if m := hostRe.FindStringSubmatch(line); m != nil {
		return "http://" + normalizeHost(m[1]) + ":" + m[2]
	}
	if m := portRe.FindStringSubmatch(line); m != nil {
		return "http://localhost:" + m[1]
	}
	return ""
}

func normalizeHost(host string) string {
	switch strings.ToLower(host) {
	case "0.0.0.0", "[::]", "[::1]", "127.0.0.1":
		return "localhost"
	}
	return strings.ToLower(host)
}
