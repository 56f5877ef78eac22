package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// leafFromServer converts an httptest server address into a descriptor.
func leafFromServer(t *testing.T, srv *httptest.Server, role LeafRole) LeafDescriptor {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return LeafDescriptor{Host: u.Hostname(), Port: port, Role: role}
}

func TestClient_PostJSON(t *testing.T) {
	type echo struct {
		Value string `json:"value"`
	}

	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var in echo
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(echo{Value: in.Value + "-ack"}))
	}))
	defer srv.Close()

	issuer, err := NewTokenIssuer(testNodeSecret, time.Minute)
	require.NoError(t, err)
	client := NewClient(5*time.Second, issuer)
	leaf := leafFromServer(t, srv, RoleData)

	var out echo
	err = client.PostJSON(context.Background(), leaf, "/v1/leaf/execute",
		NodeClaims{User: testTokenUser, Database: testTokenDB}, echo{Value: "scan"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "scan-ack", out.Value)

	require.NotEmpty(t, gotAuth)
	claims, err := issuer.Verify(gotAuth[len("Bearer "):])
	require.NoError(t, err)
	assert.Equal(t, testTokenUser, claims.User)
}

func TestClient_PostJSON_LeafError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "fragment 3 missing", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	leaf := leafFromServer(t, srv, RoleData)

	err := client.PostJSON(context.Background(), leaf, "/v1/leaf/execute", NodeClaims{}, map[string]string{}, nil)
	require.Error(t, err)

	var leafErr *LeafError
	require.True(t, errors.As(err, &leafErr))
	assert.Equal(t, http.StatusInternalServerError, leafErr.Status)
	assert.Equal(t, "fragment 3 missing", leafErr.Body)
}

func TestClient_PostJSON_ContextCancelled(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	client := NewClient(5*time.Second, nil)
	leaf := leafFromServer(t, srv, RoleData)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- client.PostJSON(ctx, leaf, "/v1/leaf/execute", NodeClaims{}, map[string]string{}, nil)
	}()
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not observe cancellation")
	}
}

func TestClient_Ping(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, nil)
	assert.NoError(t, client.Ping(context.Background(), leafFromServer(t, srv, RoleString)))
}

func TestClient_Ping_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	leaf := leafFromServer(t, srv, RoleString)
	srv.Close()

	client := NewClient(time.Second, nil)
	assert.Error(t, client.Ping(context.Background(), leaf))
}
