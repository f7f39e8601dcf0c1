package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/fedcore/internal/apperr"
	"github.com/klppl/fedcore/internal/signatures"
)

func TestGetReturnsBodyOnSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"Note"}`))
	}))
	defer srv.Close()

	c := New(0, "test-agent", nil)
	body, err := c.Get(context.Background(), srv.URL, "", nil)
	require.NoError(t, err)
	assert.Equal(t, `{"type":"Note"}`, string(body))
}

func TestGetReturnsPermanentErrorOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(0, "test-agent", nil)
	_, err := c.Get(context.Background(), srv.URL, "", nil)
	require.Error(t, err)
	var perr *apperr.PermanentHTTPError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusNotFound, perr.StatusCode)
}

func TestGetReturnsGoneOnHTTPGone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	c := New(0, "test-agent", nil)
	_, err := c.Get(context.Background(), srv.URL, "", nil)
	require.Error(t, err)
	assert.True(t, apperr.Gone(err))
}

func TestGetReturnsTransientErrorOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(0, "test-agent", nil)
	_, err := c.Get(context.Background(), srv.URL, "", nil)
	require.Error(t, err)
	var terr *apperr.TransientHTTPError
	require.ErrorAs(t, err, &terr)
}

func TestGetRejectsBlockedHost(t *testing.T) {
	c := New(0, "test-agent", func(host string) bool { return true })
	_, err := c.Get(context.Background(), "https://blocked.example/actor", "", nil)
	require.Error(t, err)
	var berr *apperr.BlockedIPError
	require.ErrorAs(t, err, &berr)
}

func TestGetSignsWhenKeyProvided(t *testing.T) {
	var gotSig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("Signature")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	kp, err := signatures.GenerateKeyPair()
	require.NoError(t, err)

	c := New(0, "test-agent", nil)
	_, err = c.Get(context.Background(), srv.URL, "https://local.example/actor/#main-key", kp.Private)
	require.NoError(t, err)
	assert.NotEmpty(t, gotSig)
}

func TestPostRejectsBlockedHost(t *testing.T) {
	c := New(0, "test-agent", func(host string) bool { return true })
	err := c.Post(context.Background(), "https://blocked.example/inbox", []byte(`{}`), "key", nil)
	require.Error(t, err)
	var berr *apperr.BlockedIPError
	require.ErrorAs(t, err, &berr)
}
