package webhookutils

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v66/github"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")
)

const (
	GitHubSignatureHeader = "X-Hub-Signature-256"
	GitLabTokenHeader     = "X-Gitlab-Token"
)

// VerifyGitHubSignature checks an X-Hub-Signature-256 header
// ("sha256=<hex>") against the HMAC of the payload.
func VerifyGitHubSignature(secret string, payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}
	if !strings.HasPrefix(signatureHeader, "sha256=") {
		return ErrInvalidSignature
	}
	if err := gh.ValidateSignature(signatureHeader, payload, []byte(secret)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// SignGitHubPayload returns the X-Hub-Signature-256 value for payload.
func SignGitHubPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyGitLabToken compares the X-Gitlab-Token header with the configured
// secret token.
func VerifyGitLabToken(expected, got string) error {
	if got == "" {
		return ErrMissingSignature
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Verifier checks the authenticity of a webhook delivery.
type Verifier func(headers map[string]string, body []byte) error

// GitHubVerifier returns a Verifier for GitHub deliveries. An empty secret
// disables verification.
func GitHubVerifier(secret string) Verifier {
	return func(headers map[string]string, body []byte) error {
		if secret == "" {
			return nil
		}
		sig, _ := GetHeaderCaseInsensitive(headers, GitHubSignatureHeader)
		return VerifyGitHubSignature(secret, body, sig)
	}
}

// GitLabVerifier returns a Verifier for GitLab deliveries. An empty token
// disables verification.
func GitLabVerifier(token string) Verifier {
	return func(headers map[string]string, body []byte) error {
		if token == "" {
			return nil
		}
		got, _ := GetHeaderCaseInsensitive(headers, GitLabTokenHeader)
		return VerifyGitLabToken(token, got)
	}
}
