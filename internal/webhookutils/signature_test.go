package webhookutils

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerifyGitHubSignature(t *testing.T) {
	payload := []byte(`{"action":"opened"}`)
	sig := SignGitHubPayload("s3cret", payload)

	assert.NoError(t, VerifyGitHubSignature("s3cret", payload, sig))
	assert.ErrorIs(t, VerifyGitHubSignature("other", payload, sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyGitHubSignature("s3cret", []byte(`{"action":"closed"}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyGitHubSignature("s3cret", payload, strings.TrimPrefix(sig, "sha256=")), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyGitHubSignature("s3cret", payload, ""), ErrMissingSignature)
	assert.ErrorIs(t, VerifyGitHubSignature("s3cret", payload, "sha1=abcd"), ErrInvalidSignature)
	assert.ErrorIs(t, VerifyGitHubSignature("s3cret", payload, "sha256=zz"), ErrInvalidSignature)
}

func TestVerifiers(t *testing.T) {
	payload := []byte(`{}`)

	gh := GitHubVerifier("s3cret")
	assert.NoError(t, gh(map[string]string{"X-Hub-Signature-256": SignGitHubPayload("s3cret", payload)}, payload))
	assert.Error(t, gh(map[string]string{}, payload))
	assert.NoError(t, GitHubVerifier("")(map[string]string{}, payload))

	gl := GitLabVerifier("tok")
	assert.NoError(t, gl(map[string]string{"x-gitlab-token": "tok"}, payload))
	assert.ErrorIs(t, gl(map[string]string{"X-Gitlab-Token": "nope"}, payload), ErrInvalidSignature)
	assert.ErrorIs(t, gl(map[string]string{}, payload), ErrMissingSignature)
}

func TestHeaderMap(t *testing.T) {
	h := http.Header{}
	h.Set("X-GitHub-Event", "pull_request")
	h.Add("Accept", "a")
	h.Add("Accept", "b")

	m := HeaderMap(h)
	v, ok := GetHeaderCaseInsensitive(m, "X-GitHub-Event")
	assert.True(t, ok)
	assert.Equal(t, "pull_request", v)
	assert.Equal(t, "a", m["Accept"])
}
