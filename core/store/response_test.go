package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResponseETagRoundTrip(t *testing.T) {
	r := NewResponse(200).WithETag("abc123")
	require.Equal(t, `"abc123"`, r.Header("ETag"))
	require.Equal(t, "abc123", r.ETag())
}

func TestResponseHeadDropsContent(t *testing.T) {
	r := NewResponse(200)
	r.Content = "some body"
	h := r.Head()
	require.Equal(t, "", h.Content)
	require.Equal(t, 200, h.Status)
}

func TestWithLastModifiedIgnoresEmpty(t *testing.T) {
	r := NewResponse(200).WithLastModified("")
	require.Equal(t, "", r.Header("Last-Modified"))
	r = r.WithLastModified("Mon, 02 Jan 2006 15:04:05 GMT")
	require.Equal(t, "Mon, 02 Jan 2006 15:04:05 GMT", r.Header("Last-Modified"))
}

func TestToTriple(t *testing.T) {
	r := NewResponse(204)
	status, headers, body := r.ToTriple()
	require.Equal(t, 204, status)
	require.NotNil(t, headers)
	require.Nil(t, body)

	r.Content = "hi"
	_, _, body = r.ToTriple()
	require.Equal(t, []string{"hi"}, body)
}
