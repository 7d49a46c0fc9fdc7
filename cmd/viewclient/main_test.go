package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-view-counter/internal/client"
)

func fakeAPI(t *testing.T, status int) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"code":"store_unavailable","message":"down"}`))
			return
		}
		switch {
		case r.Method == http.MethodPost:
			_, _ = w.Write([]byte(`{"slug":"post","view_count":1235}`))
		case r.URL.Path == "/views":
			_, _ = w.Write([]byte(`{"post":1234,"other":0}`))
		default:
			_, _ = w.Write([]byte(`{"slug":"post","view_count":1234}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func testConfig(t *testing.T, api string) client.Config {
	return client.Config{
		APIURL:    api,
		Window:    0,
		MarksFile: t.TempDir() + "/marks.json",
	}
}

func TestGet_PrintsCounts(t *testing.T) {
	var out bytes.Buffer
	err := runGet(context.Background(), testConfig(t, fakeAPI(t, http.StatusOK)), []string{"post", "other"}, &out)
	require.NoError(t, err)
	require.Equal(t, "post\t1,234\nother\t0\n", out.String())

	out.Reset()
	err = runGet(context.Background(), testConfig(t, fakeAPI(t, http.StatusOK)), []string{"--compact", "post"}, &out)
	require.NoError(t, err)
	require.Equal(t, "post\t1.2k\n", out.String())
}

func TestGet_UnavailablePrintsDash(t *testing.T) {
	var out bytes.Buffer
	err := runGet(context.Background(), testConfig(t, fakeAPI(t, http.StatusServiceUnavailable)), []string{"post"}, &out)
	require.ErrorIs(t, err, client.ErrUnavailable)
	require.Equal(t, "post\t-\n", out.String())
}

func TestTrack_PrintsNewCount(t *testing.T) {
	var out bytes.Buffer
	err := runTrack(context.Background(), testConfig(t, fakeAPI(t, http.StatusOK)), []string{"post"}, &out)
	require.NoError(t, err)
	require.Equal(t, "post\t1,235\n", out.String())

	out.Reset()
	err = runTrack(context.Background(), testConfig(t, fakeAPI(t, http.StatusOK)), []string{"--draft", "post"}, &out)
	require.NoError(t, err)
	require.Equal(t, "post\t1,234\n", out.String())
}

func TestArgsValidation(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	var out bytes.Buffer
	require.Error(t, runGet(context.Background(), cfg, nil, &out))
	require.Error(t, runTrack(context.Background(), cfg, []string{"a", "b"}, &out))
	require.Error(t, runWatch(context.Background(), cfg, nil, &out))
	require.True(t, strings.TrimSpace(out.String()) == "")
}
