package etrade

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	apperrors "brokerd/pkg/errors"
	pkghttp "brokerd/pkg/http"

	"brokerd/internal/provider/base"
)

const (
	productionAPIBase = "https://api.etrade.com"
	sandboxAPIBase    = "https://apisb.etrade.com"

	authRequestTimeout = 20 * time.Second
)

// APIBase returns the REST endpoint for the chosen environment.
func APIBase(sandbox bool) string {
	if sandbox {
		return sandboxAPIBase
	}
	return productionAPIBase
}

// AuthorizeURL is the page the user must open to approve a request token.
// The verification code it displays completes the flow via AccessToken.
func AuthorizeURL(consumerKey, requestToken string) string {
	return fmt.Sprintf("https://us.etrade.com/e/t/etws/authorize?key=%s&token=%s",
		url.QueryEscape(consumerKey), url.QueryEscape(requestToken))
}

// Tokens is an OAuth credential pair as persisted on disk.
type Tokens struct {
	OAuthToken       string `json:"oauth_token"`
	OAuthTokenSecret string `json:"oauth_token_secret"`
	SavedAt          string `json:"saved_at,omitempty"`
}

// LoadTokens reads a saved credential pair. It reports false for a missing,
// unreadable or incomplete file so callers can route the user to auth.
func LoadTokens(path string) (Tokens, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Tokens{}, false
	}
	var tokens Tokens
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return Tokens{}, false
	}
	tokens.OAuthToken = strings.TrimSpace(tokens.OAuthToken)
	tokens.OAuthTokenSecret = strings.TrimSpace(tokens.OAuthTokenSecret)
	if tokens.OAuthToken == "" || tokens.OAuthTokenSecret == "" {
		return Tokens{}, false
	}
	return tokens, true
}

// SaveTokens writes the credential pair with owner-only permissions.
func SaveTokens(path string, tokens Tokens) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	tokens.SavedAt = time.Now().UTC().Format(time.RFC3339)
	raw, err := json.MarshalIndent(tokens, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return err
	}
	// WriteFile only applies the mode on create; tighten pre-existing files.
	_ = os.Chmod(path, 0o600)
	return nil
}

// RequestToken runs the first OAuth leg and returns temporary credentials
// bound to the out-of-band callback flow.
func RequestToken(ctx context.Context, consumerKey, consumerSecret string, sandbox bool) (Tokens, error) {
	signer := newOAuthSigner(consumerKey, consumerSecret)
	signer.extra = map[string]string{"oauth_callback": "oob"}
	return fetchTokens(ctx, APIBase(sandbox), "/oauth/request_token", signer, "request_token",
		"Verify E*Trade consumer credentials and retry.",
		"Verify E*Trade consumer credentials and retry.")
}

// AccessToken exchanges an approved request token plus the verification
// code shown by the authorize page for long-lived access credentials.
func AccessToken(ctx context.Context, consumerKey, consumerSecret string, request Tokens, verifier string, sandbox bool) (Tokens, error) {
	signer := newOAuthSigner(consumerKey, consumerSecret)
	signer.setToken(request.OAuthToken, request.OAuthTokenSecret)
	signer.extra = map[string]string{"oauth_verifier": verifier}
	return fetchTokens(ctx, APIBase(sandbox), "/oauth/access_token", signer, "access_token",
		"Ensure the verifier code is valid and not expired.",
		"Ensure the verifier code is valid and retry auth.")
}

func fetchTokens(ctx context.Context, apiBase, path string, signer *oauthSigner, operation, rejectedSuggestion, missingSuggestion string) (Tokens, error) {
	client := pkghttp.NewClient(apiBase, authRequestTimeout, signer)
	body, err := client.Post(ctx, path, nil)
	if err != nil {
		if _, ok := pkghttp.AsAPIError(err); ok {
			return Tokens{}, apperrors.Rejected(fmt.Sprintf("%s failed: %v", operation, err),
				apperrors.WithSuggestion(rejectedSuggestion))
		}
		if base.IsTimeout(err) {
			return Tokens{}, apperrors.Timeout(fmt.Sprintf("%s failed: %v", operation, err))
		}
		return Tokens{}, apperrors.Disconnected(fmt.Sprintf("%s failed: %v", operation, err),
			apperrors.WithSuggestion("Check network connectivity and E*Trade API availability."))
	}

	values, err := url.ParseQuery(strings.TrimSpace(string(body)))
	if err != nil {
		values = url.Values{}
	}
	tokens := Tokens{
		OAuthToken:       strings.TrimSpace(values.Get("oauth_token")),
		OAuthTokenSecret: strings.TrimSpace(values.Get("oauth_token_secret")),
	}
	if tokens.OAuthToken == "" || tokens.OAuthTokenSecret == "" {
		return Tokens{}, apperrors.Rejected(operation+" failed: missing oauth token in response",
			apperrors.WithSuggestion(missingSuggestion))
	}
	return tokens, nil
}
