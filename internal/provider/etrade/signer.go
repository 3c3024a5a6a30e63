package etrade

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// oauthSigner signs requests with OAuth 1.0a HMAC-SHA1, the only scheme the
// E*Trade API accepts. Token credentials are swappable at runtime so the
// renew loop can rotate them without rebuilding the HTTP client.
type oauthSigner struct {
	consumerKey    string
	consumerSecret string

	// extra carries handshake-only protocol parameters such as
	// oauth_callback and oauth_verifier. Set at construction, never mutated.
	extra map[string]string

	mu          sync.RWMutex
	token       string
	tokenSecret string

	nonce func() string
	clock func() time.Time
}

func newOAuthSigner(consumerKey, consumerSecret string) *oauthSigner {
	return &oauthSigner{
		consumerKey:    consumerKey,
		consumerSecret: consumerSecret,
		nonce: func() string {
			return strings.ReplaceAll(uuid.NewString(), "-", "")
		},
		clock: time.Now,
	}
}

func (s *oauthSigner) setToken(token, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.tokenSecret = secret
}

// SignRequest implements the pkg/http Signer interface.
func (s *oauthSigner) SignRequest(req *http.Request) error {
	s.mu.RLock()
	token := s.token
	tokenSecret := s.tokenSecret
	s.mu.RUnlock()

	oauth := map[string]string{
		"oauth_consumer_key":     s.consumerKey,
		"oauth_nonce":            s.nonce(),
		"oauth_signature_method": "HMAC-SHA1",
		"oauth_timestamp":        strconv.FormatInt(s.clock().Unix(), 10),
		"oauth_version":          "1.0",
	}
	if token != "" {
		oauth["oauth_token"] = token
	}
	for key, value := range s.extra {
		oauth[key] = value
	}

	base := signatureBase(req.Method, req.URL, oauth)
	key := percentEncode(s.consumerSecret) + "&" + percentEncode(tokenSecret)
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	oauth["oauth_signature"] = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("Authorization", authorizationHeader(oauth))
	return nil
}

type paramPair struct {
	key   string
	value string
}

// signatureBase builds the RFC 5849 base string from the request line,
// query parameters and protocol parameters.
func signatureBase(method string, u *url.URL, oauth map[string]string) string {
	pairs := make([]paramPair, 0, len(oauth)+8)
	for key, values := range u.Query() {
		for _, value := range values {
			pairs = append(pairs, paramPair{percentEncode(key), percentEncode(value)})
		}
	}
	for key, value := range oauth {
		pairs = append(pairs, paramPair{percentEncode(key), percentEncode(value)})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].key == pairs[j].key {
			return pairs[i].value < pairs[j].value
		}
		return pairs[i].key < pairs[j].key
	})

	encoded := make([]string, len(pairs))
	for i, pair := range pairs {
		encoded[i] = pair.key + "=" + pair.value
	}

	return strings.ToUpper(method) + "&" + percentEncode(baseURI(u)) + "&" + percentEncode(strings.Join(encoded, "&"))
}

// baseURI normalizes the request URI per RFC 5849: lowercased scheme and
// host, default ports stripped, query dropped.
func baseURI(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func authorizationHeader(oauth map[string]string) string {
	keys := make([]string, 0, len(oauth))
	for key := range oauth {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+1)
	parts = append(parts, `realm=""`)
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", percentEncode(key), percentEncode(oauth[key])))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// percentEncode applies the strict RFC 3986 encoding OAuth signatures
// require; url.QueryEscape is too loose (spaces become '+').
func percentEncode(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}
