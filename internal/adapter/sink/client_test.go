package sink

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreArtifact_ChainsBothCalls(t *testing.T) {
	var paths []string
	var mediaPayload, sharePayload map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		switch r.URL.Path {
		case "/create-media/":
			mediaPayload = payload
		case "/trigger-share/":
			sharePayload = payload
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret", time.Second)
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }

	require.NoError(t, c.StoreArtifact(context.Background(), "https://cdn/a.png", "summer-launch", 42))

	require.Equal(t, []string{"/create-media/", "/trigger-share/"}, paths)
	assert.Equal(t, "summer-launch-42-1700000000000", mediaPayload["external_id"])
	assert.Equal(t, "https://cdn/a.png", mediaPayload["url"])
	assert.Equal(t, "COMPLETED", mediaPayload["status"])
	// The share record references the media record by external id.
	assert.Equal(t, mediaPayload["external_id"], sharePayload["id"])
	assert.Equal(t, "SUMMER LAUNCH", sharePayload["title"])
}

func TestStoreArtifact_MediaFailureShortCircuits(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	err := c.StoreArtifact(context.Background(), "https://cdn/a.png", "launch", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create media")
	assert.Equal(t, 1, calls)
}

func TestStoreArtifact_ShareFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/trigger-share/" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Second)
	err := c.StoreArtifact(context.Background(), "https://cdn/a.png", "launch", 42)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trigger share")
}
