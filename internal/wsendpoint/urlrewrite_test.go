package wsendpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRewriteControllerURLReplacesSchemeAndHost(t *testing.T) {
	got := rewriteControllerURL("https://controller.internal:8443/api/v1/jobs/42/", "https://gateway.example.com")
	assert.Equal(t, "https://gateway.example.com/api/v1/jobs/42/", got)
}

func TestRewriteControllerURLKeepsQuery(t *testing.T) {
	got := rewriteControllerURL("https://controller.internal/api/v1/jobs/?page=2", "https://gateway.example.com")
	assert.Equal(t, "https://gateway.example.com/api/v1/jobs/?page=2", got)
}

func TestRewriteControllerURLPassesThroughEmptyInputs(t *testing.T) {
	assert.Equal(t, "", rewriteControllerURL("", "https://gateway.example.com"))
	assert.Equal(t, "https://controller.internal/x", rewriteControllerURL("https://controller.internal/x", ""))
}

func TestRewriteControllerURLPassesThroughMalformedURL(t *testing.T) {
	raw := "://not-a-url"
	got := rewriteControllerURL(raw, "https://gateway.example.com")
	assert.Equal(t, raw, got)
}

func TestRewriteControllerURLPassesThroughMalformedGateway(t *testing.T) {
	raw := "https://controller.internal/x"
	got := rewriteControllerURL(raw, "://not-a-url")
	assert.Equal(t, raw, got)
}
