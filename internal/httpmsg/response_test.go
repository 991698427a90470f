package httpmsg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatusLine_Basic(t *testing.T) {
	resp, err := ParseStatusLine("HTTP/1.1 200 OK")
	require.NoError(t, err)

	assert.Equal(t, "HTTP/1.1", resp.Version)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "OK", resp.ReasonPhrase)
}

func TestParseStatusLine_ReasonWithSpaces(t *testing.T) {
	resp, err := ParseStatusLine("HTTP/1.1 200 Connection Established")
	require.NoError(t, err)
	assert.Equal(t, "Connection Established", resp.ReasonPhrase)
}

func TestParseStatusLine_NoReason(t *testing.T) {
	resp, err := ParseStatusLine("HTTP/1.1 204")
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Equal(t, "", resp.ReasonPhrase)
}

func TestParseStatusLine_Malformed(t *testing.T) {
	_, err := ParseStatusLine("bogus")
	assert.Error(t, err)
}

func TestResponse_StatusLine_RoundTrips(t *testing.T) {
	resp, err := ParseStatusLine("HTTP/1.1 404 Not Found")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1 404 Not Found\r\n", string(resp.StatusLine()))
}
