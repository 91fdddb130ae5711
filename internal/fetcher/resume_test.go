package fetcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestDownloadResumableFresh(t *testing.T) {
	const content = "the full file content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Range"))
		w.Write([]byte(content))
	}))
	defer srv.Close()

	f := newTestFetcher()
	dest := filepath.Join(t.TempDir(), "data.bin")
	n, digest, err := f.DownloadResumable(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, sha256Hex(content), digest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, string(data))

	// Part file is gone after the rename
	_, err = os.Stat(dest + ".part")
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadResumableResumesFromPart(t *testing.T) {
	const full = "0123456789abcdef"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rng := r.Header.Get("Range")
		require.True(t, strings.HasPrefix(rng, "bytes="))
		offset, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(rng, "bytes="), "-"))
		require.NoError(t, err)

		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", offset, len(full)-1, len(full)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(full[offset:]))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(dest+".part", []byte(full[:6]), 0o644))

	f := newTestFetcher()
	n, digest, err := f.DownloadResumable(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(full)), n)
	assert.Equal(t, sha256Hex(full), digest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadResumableRestartsWhenRangeIgnored(t *testing.T) {
	const full = "completely different content"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Ignore the Range header and serve the whole body with 200.
		w.Write([]byte(full))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(dest+".part", []byte("stale prefix"), 0o644))

	f := newTestFetcher()
	n, digest, err := f.DownloadResumable(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(full)), n)
	assert.Equal(t, sha256Hex(full), digest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}

func TestDownloadResumableKeepsPartOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("short"))
		// Close without sending the rest; client sees an unexpected EOF.
		if hj, ok := w.(http.Hijacker); ok {
			conn, _, _ := hj.Hijack()
			conn.Close()
		}
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "data.bin")

	f := newTestFetcher()
	_, _, err := f.DownloadResumable(context.Background(), srv.URL, dest)
	require.Error(t, err)

	// Part file survives for the next attempt; dest was never created.
	_, err = os.Stat(dest + ".part")
	assert.NoError(t, err)
	_, err = os.Stat(dest)
	assert.True(t, os.IsNotExist(err))
}

func TestDownloadResumableRangeNotSatisfiable(t *testing.T) {
	const full = "already complete"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(dest+".part", []byte(full), 0o644))

	f := newTestFetcher()
	n, digest, err := f.DownloadResumable(context.Background(), srv.URL, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(full)), n)
	assert.Equal(t, sha256Hex(full), digest)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, full, string(data))
}
