package webhookutils

import (
	"net/http"
	"strings"
)

// GetHeaderCaseInsensitive retrieves a header value using case-insensitive key matching.
// Go's HTTP library canonicalizes header keys (X-GitHub-Event becomes X-Github-Event),
// so exact string matches against provider documentation fail.
func GetHeaderCaseInsensitive(headers map[string]string, key string) (string, bool) {
	keyLower := strings.ToLower(key)
	for k, v := range headers {
		if strings.ToLower(k) == keyLower {
			return v, true
		}
	}
	return "", false
}

// HeaderMap flattens request headers into the map form adapters consume.
// Only the first value of a repeated header is kept.
func HeaderMap(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}
