package utils

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// UTMSource is the utm_source stamped on every tracked click.
const UTMSource = "leadflow"

var ErrUnsupportedScheme = errors.New("only http and https targets are allowed")

// LinkSigner issues and verifies HMAC-signed tracking and unsubscribe links.
type LinkSigner struct {
	secret  []byte
	baseURL string
}

func NewLinkSigner(secret, baseURL string) *LinkSigner {
	return &LinkSigner{secret: []byte(secret), baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *LinkSigner) sign(scope, value string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(scope))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (s *LinkSigner) verify(scope, value, signature string) bool {
	expected := s.sign(scope, value)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Sign returns the tracking signature of a message id.
func (s *LinkSigner) Sign(messageID string) string {
	return s.sign("msg", messageID)
}

// Verify checks a tracking signature in constant time.
func (s *LinkSigner) Verify(messageID, signature string) bool {
	return s.verify("msg", messageID, signature)
}

// UnsubscribeToken signs the lowercased address.
func (s *LinkSigner) UnsubscribeToken(email string) string {
	return s.sign("unsub", NormalizeEmail(email))
}

func (s *LinkSigner) VerifyUnsubscribe(email, token string) bool {
	return s.verify("unsub", NormalizeEmail(email), token)
}

// PixelURL generates a tracking pixel URL for email opens
func (s *LinkSigner) PixelURL(messageID string) string {
	q := url.Values{}
	q.Set("m", messageID)
	q.Set("s", s.Sign(messageID))
	return fmt.Sprintf("%s/t/o?%s", s.baseURL, q.Encode())
}

// ClickURL generates a tracked redirect URL for a destination
func (s *LinkSigner) ClickURL(messageID, target string) string {
	q := url.Values{}
	q.Set("m", messageID)
	q.Set("u", target)
	q.Set("s", s.Sign(messageID))
	return fmt.Sprintf("%s/t/c?%s", s.baseURL, q.Encode())
}

func (s *LinkSigner) UnsubscribeURL(email string) string {
	q := url.Values{}
	q.Set("email", NormalizeEmail(email))
	q.Set("token", s.UnsubscribeToken(email))
	return fmt.Sprintf("%s/unsubscribe?%s", s.baseURL, q.Encode())
}

// InjectEmailTracking rewrites links and appends the open pixel to an email body.
func (s *LinkSigner) InjectEmailTracking(body, messageID string) string {
	body = s.RewriteLinks(body, messageID)
	pixel := fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, s.PixelURL(messageID))

	if idx := strings.LastIndex(strings.ToLower(body), "</body>"); idx != -1 {
		return body[:idx] + pixel + body[idx:]
	}
	return body + pixel
}

// RewriteLinks replaces every http(s) URL in body, whether inside an href or
// bare text, with a signed click URL. Links to the service itself are left alone.
func (s *LinkSigner) RewriteLinks(body, messageID string) string {
	var b strings.Builder
	offset := 0

	for {
		startIdx := indexURL(body[offset:])
		if startIdx == -1 {
			b.WriteString(body[offset:])
			break
		}
		startIdx += offset

		endIdx := startIdx
		for endIdx < len(body) && !isURLTerminator(body[endIdx]) {
			endIdx++
		}
		// Sentence punctuation directly after a bare URL is not part of it.
		for endIdx > startIdx && strings.ContainsRune(".,;:!?", rune(body[endIdx-1])) {
			endIdx--
		}

		originalURL := body[startIdx:endIdx]
		b.WriteString(body[offset:startIdx])
		if s.baseURL != "" && strings.HasPrefix(originalURL, s.baseURL) {
			b.WriteString(originalURL)
		} else {
			b.WriteString(s.ClickURL(messageID, originalURL))
		}
		offset = endIdx
	}

	return b.String()
}

// ExtractURLs returns the distinct http(s) URLs in body in order of first
// appearance.
func ExtractURLs(body string) []string {
	var out []string
	seen := make(map[string]bool)
	for offset := 0; ; {
		start := indexURL(body[offset:])
		if start == -1 {
			return out
		}
		start += offset
		end := start
		for end < len(body) && !isURLTerminator(body[end]) {
			end++
		}
		for end > start && strings.ContainsRune(".,;:!?", rune(body[end-1])) {
			end--
		}
		if u := body[start:end]; !seen[u] {
			seen[u] = true
			out = append(out, u)
		}
		offset = end
	}
}

func indexURL(s string) int {
	lower := strings.ToLower(s)
	i := strings.Index(lower, "http://")
	j := strings.Index(lower, "https://")
	switch {
	case i == -1:
		return j
	case j == -1:
		return i
	case i < j:
		return i
	default:
		return j
	}
}

func isURLTerminator(c byte) bool {
	switch c {
	case ' ', '\t', '\r', '\n', '"', '\'', '<', '>', '(', ')', '[', ']', '{', '}', '`':
		return true
	}
	return false
}

// ValidateRedirectTarget parses a click destination and rejects non-web schemes.
func ValidateRedirectTarget(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return nil, ErrUnsupportedScheme
	}
	return u, nil
}

// AppendUTM adds utm_source, utm_medium and utm_campaign unless the target
// already carries them.
func AppendUTM(target *url.URL, medium, campaign string) string {
	q := target.Query()
	for k, v := range map[string]string{
		"utm_source":   UTMSource,
		"utm_medium":   medium,
		"utm_campaign": campaign,
	} {
		if q.Get(k) == "" && v != "" {
			q.Set(k, v)
		}
	}
	out := *target
	out.RawQuery = q.Encode()
	return out.String()
}
