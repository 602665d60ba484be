// Package signature validates that webhook requests were signed by the carrier.
//
// The carrier signs the full external URL followed by every body parameter
// (keys sorted ascending, key and value concatenated without separators) with
// HMAC-SHA1 keyed by the account auth token, and sends the base64 digest in
// the X-Twilio-Signature header.
package signature

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"sort"
	"strings"
)

// Header is the request header carrying the carrier signature.
const Header = "X-Twilio-Signature"

// Sign computes the expected signature for url and params.
func Sign(secret, rawURL string, params url.Values) string {
	var b strings.Builder
	b.WriteString(rawURL)

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		values := append([]string(nil), params[k]...)
		sort.Strings(values)
		for _, v := range values {
			b.WriteString(k)
			b.WriteString(v)
		}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the one computed for url and params.
// It never errors: an empty parameter set or signature is simply invalid.
func Verify(secret, rawURL string, params url.Values, signature string) bool {
	if len(params) == 0 || signature == "" {
		return false
	}
	expected := Sign(secret, rawURL, params)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// ExternalURL describes how the carrier reaches this service, which is not
// necessarily how the request arrives (TLS termination, proxies).
type ExternalURL struct {
	Protocol string
	Host     string
	Port     string
}

// For rebuilds the externally visible URL for a request URI (path plus query).
// The port is kept unless it is empty or the protocol's default.
func (e ExternalURL) For(requestURI string) string {
	protocol := strings.ToLower(strings.TrimSpace(e.Protocol))
	if protocol == "" {
		protocol = "https"
	}
	host := strings.TrimSpace(e.Host)
	port := strings.TrimSpace(e.Port)
	if port != "" && !isDefaultPort(protocol, port) {
		host = host + ":" + port
	}
	if requestURI == "" || requestURI[0] != '/' {
		requestURI = "/" + requestURI
	}
	return protocol + "://" + host + requestURI
}

func isDefaultPort(protocol, port string) bool {
	switch protocol {
	case "http":
		return port == "80"
	case "https":
		return port == "443"
	}
	return false
}
