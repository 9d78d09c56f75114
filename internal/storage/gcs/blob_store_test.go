package gcs

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

type roundTripperFunc func(req *http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(t *testing.T, status int, seen *[]string, bodies *[]string) *storage.Client {
	t.Helper()
	var mu sync.Mutex
	client, err := storage.NewClient(
		context.Background(),
		option.WithoutAuthentication(),
		option.WithHTTPClient(&http.Client{
			Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
				body := ""
				if r.Body != nil {
					raw, _ := io.ReadAll(r.Body)
					body = string(raw)
				}
				mu.Lock()
				*seen = append(*seen, r.URL.Path+"?"+r.URL.RawQuery)
				*bodies = append(*bodies, body)
				mu.Unlock()
				return &http.Response{
					StatusCode: status,
					Body:       io.NopCloser(strings.NewReader(`{"name":"runs/r1/report.json","bucket":"reports"}`)),
					Header:     http.Header{"Content-Type": {"application/json"}},
					Request:    r,
				}, nil
			}),
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "reports")
	assert.Error(t, err)

	var seen, bodies []string
	_, err = New(newTestClient(t, http.StatusOK, &seen, &bodies), "  ")
	assert.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var seen, bodies []string
	store, err := New(newTestClient(t, http.StatusOK, &seen, &bodies), "reports")
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "runs/r1/report.json", "application/json", strings.NewReader(`{"targets":[]}`))
	require.NoError(t, err)
	assert.Equal(t, "gs://reports/runs/r1/report.json", uri)
	require.NotEmpty(t, seen)
	assert.Contains(t, seen[0], "/b/reports/o")
	assert.Contains(t, bodies[0], `{"targets":[]}`)
	assert.NoError(t, store.Close())
}

func TestPutObjectSurfacesUploadFailure(t *testing.T) {
	t.Parallel()

	var seen, bodies []string
	store, err := New(newTestClient(t, http.StatusForbidden, &seen, &bodies), "reports")
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "runs/r1/report.json", "", strings.NewReader("{}"))
	assert.Error(t, err)

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("{}"))
	assert.ErrorContains(t, err, "path is required")
}
