// Package acklink builds the acknowledgment URL embedded in primary
// notifications.
package acklink

import (
	"net/url"
	"strings"
)

// SecretHeader carries the webhook credential when it is not in the link.
const SecretHeader = "X-Webhook-Secret"

// Builder renders acknowledgment links for tokens.
type Builder struct {
	BaseURL      string
	Path         string
	Secret       string
	TokenInPath  bool
	SecretInLink bool
}

// Enabled reports whether links can be built at all.
func (b Builder) Enabled() bool {
	return b.BaseURL != ""
}

// URL returns the acknowledgment link for token, or "" when no link applies.
func (b Builder) URL(token string) string {
	if token == "" || !b.Enabled() {
		return ""
	}

	path := "/" + strings.Trim(b.Path, "/")
	if b.TokenInPath {
		path += "/" + url.PathEscape(token)
	}

	query := url.Values{}
	if !b.TokenInPath {
		query.Set("id", token)
	}
	if b.SecretInLink && b.Secret != "" {
		query.Set("secret", b.Secret)
	}

	link := strings.TrimSuffix(b.BaseURL, "/") + path
	if encoded := query.Encode(); encoded != "" {
		link += "?" + encoded
	}
	return link
}
