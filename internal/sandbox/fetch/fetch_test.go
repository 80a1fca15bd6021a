package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Token", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	resp, err := New().Do(context.Background(), Request{
		URL:     srv.URL + "/items",
		Method:  "post",
		Headers: map[string]string{"Authorization": "Bearer x"},
		Body:    `{"a":1}`,
	})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "Created", resp.StatusText)
	assert.Equal(t, "POST", resp.Headers["x-method"])
	assert.Equal(t, "Bearer x", resp.Headers["x-token"])
	assert.Equal(t, `{"a":1}`, string(resp.Body))
	assert.Equal(t, srv.URL+"/items", resp.URL)
}

func TestDoRejectsScheme(t *testing.T) {
	t.Parallel()

	_, err := New().Do(context.Background(), Request{URL: "file:///etc/passwd"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported url scheme")
}

func TestDoBodyLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	_, err := New(WithMaxBodyBytes(10)).Do(context.Background(), Request{URL: srv.URL})
	assert.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDoNotOK(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	resp, err := New().Do(context.Background(), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.False(t, resp.OK())
	assert.Equal(t, 404, resp.Status)
}
