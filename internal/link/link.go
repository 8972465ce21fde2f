package link

import (
	"bufio"
	"io"
	"net/url"
	"strings"

	"github.com/m-mizutani/goerr/v2"
)

// Host is the only host whose shared links are accepted by default.
const Host = "www.dropbox.com"

var (
	// ErrInvalidLink is returned when a link cannot be parsed or is not http(s).
	ErrInvalidLink = goerr.New("invalid link")
	// ErrHostNotAllowed is returned when a link does not point at Host.
	ErrHostNotAllowed = goerr.New("link does not belong to " + Host)
)

// Normalize turns a shared folder link into a direct zip download URL.
//
// Dropbox serves the folder preview page for dl=0 and the zipped folder for
// dl=1, so an existing dl=0 parameter is flipped and dl=1 is appended when
// the query does not already end with it. Other query parameters are kept
// in place.
func Normalize(raw string, allowAnyHost bool) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", goerr.Wrap(ErrInvalidLink, err.Error(), goerr.V("link", raw))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", goerr.Wrap(ErrInvalidLink, "scheme must be http or https", goerr.V("link", raw))
	}
	if u.Host == "" {
		return "", goerr.Wrap(ErrInvalidLink, "missing host", goerr.V("link", raw))
	}
	if !allowAnyHost && !strings.EqualFold(u.Host, Host) {
		return "", goerr.Wrap(ErrHostNotAllowed, "skipping link", goerr.V("link", raw), goerr.V("host", u.Host))
	}

	u.RawQuery = rewriteQuery(u.RawQuery)
	return u.String(), nil
}

// rewriteQuery works on the raw query string so parameter order and
// encoding are left untouched.
func rewriteQuery(query string) string {
	query = strings.ReplaceAll(query, "dl=0", "dl=1")
	if strings.HasSuffix(query, "dl=1") {
		return query
	}
	if query != "" {
		query += "&"
	}
	return query + "dl=1"
}

// Read parses a link list, one link per line. Blank lines and lines
// starting with '#' are ignored.
func Read(r io.Reader) ([]string, error) {
	var links []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		links = append(links, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to read links")
	}
	return links, nil
}

// Unique removes duplicate links, keeping the first occurrence of each.
func Unique(links []string) []string {
	seen := make(map[string]bool, len(links))
	out := make([]string, 0, len(links))
	for _, l := range links {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}
