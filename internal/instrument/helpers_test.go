package instrument

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/codes"
)

func TestSanitizeURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://x/y?token=secret", "https://x/y"},
		{"https://x/y", "https://x/y"},
		{"https://x/y?a=1&b=2", "https://x/y"},
		{"https://user@x:8443/path?q=1", "https://user@x:8443/path"},
		{"://not a url?leak=1", "://not a url"},
		{"", ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, sanitizeURL(tc.in), "input %q", tc.in)
	}
}

func TestStatusFromCode(t *testing.T) {
	code, msg := statusFromCode(200)
	assert.Equal(t, codes.Ok, code)
	assert.Empty(t, msg)

	code, msg = statusFromCode(399)
	assert.Equal(t, codes.Ok, code)
	assert.Empty(t, msg)

	code, msg = statusFromCode(404)
	assert.Equal(t, codes.Error, code)
	assert.Equal(t, "HTTP 404", msg)

	code, msg = statusFromCode(500)
	assert.Equal(t, codes.Error, code)
	assert.Equal(t, "HTTP 500", msg)
}

func TestEstimateBodySize(t *testing.T) {
	assert.EqualValues(t, 0, estimateBodySize(nil))
	assert.EqualValues(t, 5, estimateBodySize([]byte("hello")))
	assert.EqualValues(t, 5, estimateBodySize("hello"))

	// Form bodies are estimated, not encoded: per-field lengths plus a
	// fixed overhead.
	form := url.Values{"key": {"value"}}
	assert.EqualValues(t, len("key")+len("value")+formFieldOverhead, estimateBodySize(form))

	// Unknown kinds report zero rather than guessing.
	assert.EqualValues(t, 0, estimateBodySize(struct{}{}))
}
