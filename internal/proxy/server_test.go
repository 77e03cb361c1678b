package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	mrand "math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"uploadproxy/internal/auth"
)

const (
	testIssuer   = "https://idp.example/realms/upload-realm"
	testAudience = "upload-client"
	testKid      = "e2e-kid"
	testOrigin   = "http://localhost:8000"
)

type testEnv struct {
	srv     *Server
	httpSrv *httptest.Server
	key     *rsa.PrivateKey
	root    string
}

// newTestEnv stands up the whole stack: a fake identity provider serving a
// JWKS document, a real resolver and validator, and the upload server on
// temporary storage.
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err, "generating RSA key")

	jwksBody, err := json.Marshal(map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKid,
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}},
	})
	require.NoError(t, err, "marshaling JWKS document")

	jwksSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksBody)
	}))
	t.Cleanup(jwksSrv.Close)

	root := t.TempDir()
	cfg := Config{
		StorageRoot:    root,
		AllowedOrigins: []string{testOrigin},
		Validator: &auth.Validator{
			Keys:      auth.NewResolver(jwksSrv.URL),
			Issuer:    testIssuer,
			Audiences: []string{"account", testAudience},
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}

	srv, err := NewServer(context.Background(), cfg)
	require.NoError(t, err, "NewServer error")

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(func() { _ = srv.Close() })
	t.Cleanup(httpSrv.Close)

	return &testEnv{srv: srv, httpSrv: httpSrv, key: key, root: root}
}

// token signs a bearer token with the environment's key, applying overrides
// on top of a valid claim set.
func (env *testEnv) token(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()

	claims := jwt.MapClaims{
		"sub":                "user-42",
		"preferred_username": "alice",
		"exp":                jwt.NewNumericDate(time.Now().Add(time.Hour)),
		"aud":                testAudience,
		"iss":                testIssuer,
	}
	for k, v := range overrides {
		claims[k] = v
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKid

	signed, err := token.SignedString(env.key)
	require.NoError(t, err, "signing token")
	return signed
}

// multipartPayload builds a single-file multipart body.
func multipartPayload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	pw, err := w.CreateFormFile("file", filename)
	require.NoError(t, err, "creating form file")
	_, err = pw.Write(content)
	require.NoError(t, err, "writing form file")
	require.NoError(t, w.Close(), "closing multipart writer")

	return &buf, w.FormDataContentType()
}

func (env *testEnv) upload(t *testing.T, bearer string, body io.Reader, contentType string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, env.httpSrv.URL+"/upload", body)
	require.NoError(t, err, "creating upload request")
	req.Header.Set("Content-Type", contentType)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := env.httpSrv.Client().Do(req)
	require.NoError(t, err, "upload request error")
	return resp
}

// storedFiles lists the uploaded files under the storage root, skipping the
// scratch dir and the audit db.
func (env *testEnv) storedFiles(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(env.root)
	require.NoError(t, err, "reading storage root")

	var files []string
	for _, e := range entries {
		if e.IsDir() || e.Name() == "uploads.sqlite" {
			continue
		}
		files = append(files, e.Name())
	}
	return files
}

func (env *testEnv) records(t *testing.T) []UploadRecord {
	t.Helper()

	records, err := env.srv.Records(context.Background())
	require.NoError(t, err, "Records error")
	return records
}

func TestHealthNeedsNoAuth(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	resp, err := env.httpSrv.Client().Get(env.httpSrv.URL + "/health")
	require.NoError(t, err, "GET /health error")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "health status")

	var health HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health), "decoding health response")
	require.Equal(t, "healthy", health.Status, "health status field")
}

func TestUploadWithoutToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	body, contentType := multipartPayload(t, "file.txt", []byte("content"))
	resp := env.upload(t, "", body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "status")
	require.Empty(t, env.storedFiles(t), "no file may be written")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadWrongAudience(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	body, contentType := multipartPayload(t, "file.txt", []byte("content"))
	resp := env.upload(t, env.token(t, jwt.MapClaims{"aud": "other-app"}), body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "status")

	// The rejection must not leak which claim failed.
	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp), "decoding error response")
	require.NotContains(t, errResp.Error, "audience", "auth failures must stay generic")

	require.Empty(t, env.storedFiles(t), "no file may be written")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadExpiredToken(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	body, contentType := multipartPayload(t, "file.txt", []byte("content"))
	resp := env.upload(t, env.token(t, jwt.MapClaims{"exp": jwt.NewNumericDate(time.Now().Add(-time.Minute))}), body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusUnauthorized, resp.StatusCode, "status")
	require.Empty(t, env.storedFiles(t), "no file may be written")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadSuccess(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// 10 MB of random content against the default 50 MB limit.
	content := make([]byte, 10<<20)
	_, err := mrand.New(mrand.NewSource(1)).Read(content)
	require.NoError(t, err, "generating content")

	body, contentType := multipartPayload(t, "dataset.bin", content)
	resp := env.upload(t, env.token(t, nil), body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode, "status")

	var uploadResp UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp), "decoding upload response")
	require.Equal(t, "success", uploadResp.Status, "response status")
	require.Equal(t, "dataset.bin", uploadResp.Filename, "response filename")
	require.Equal(t, int64(len(content)), uploadResp.SizeBytes, "response size")
	require.Equal(t, "user-42", uploadResp.User, "response user")
	require.NotEmpty(t, uploadResp.RecordID, "record id")
	require.Len(t, uploadResp.Uploads, 1, "uploads list")

	// Exactly one record, matching the file actually on disk.
	records := env.records(t)
	require.Len(t, records, 1, "record count")
	require.Equal(t, uploadResp.RecordID, records[0].ID, "record id")
	require.Equal(t, "user-42", records[0].Subject, "record subject")

	info, err := os.Stat(records[0].StoredPath)
	require.NoError(t, err, "stating stored file")
	require.Equal(t, int64(len(content)), info.Size(), "written size must match the response")

	written, err := os.ReadFile(records[0].StoredPath)
	require.NoError(t, err, "reading stored file")
	require.True(t, bytes.Equal(content, written), "stored bytes must match the upload")
}

func TestUploadTooLarge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxUploadBytes = 1024
	})

	body, contentType := multipartPayload(t, "big.bin", bytes.Repeat([]byte{0xCD}, 4096))
	resp := env.upload(t, env.token(t, nil), body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "status")

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp), "decoding error response")
	require.Contains(t, errResp.Error, "exceeds", "size failures must carry an actionable message")

	require.Empty(t, env.storedFiles(t), "no partial file may remain")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadNotMultipart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	resp := env.upload(t, env.token(t, nil), bytes.NewReader([]byte("plain body")), "text/plain")
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "status")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadNoFilePart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("note", "no file here"), "writing text field")
	require.NoError(t, w.Close(), "closing multipart writer")

	resp := env.upload(t, env.token(t, nil), &buf, w.FormDataContentType())
	defer resp.Body.Close()

	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "status")
	require.Empty(t, env.records(t), "no record may be appended")
}

func TestUploadClientAbortsMidBody(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// A multipart body cut off halfway through the file content, driven
	// directly through the handler the way a dropped connection surfaces.
	full, contentType := multipartPayload(t, "interrupted.bin", bytes.Repeat([]byte{0x5A}, 1<<20))
	truncated := full.Bytes()[:full.Len()/2]

	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(truncated))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+env.token(t, nil))

	rr := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code, "status")
	require.Empty(t, env.storedFiles(t), "no file may remain after an aborted upload")
	require.Empty(t, env.records(t), "no record may be appended after an aborted upload")
}

func TestConcurrentUploads(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	bearer := env.token(t, nil)

	const uploaders = 8
	var wg sync.WaitGroup
	statuses := make([]int, uploaders)

	for i := 0; i < uploaders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			body, contentType := multipartPayload(t, "same.txt", []byte(fmt.Sprintf("uploader %d", i)))
			req, err := http.NewRequest(http.MethodPost, env.httpSrv.URL+"/upload", body)
			if err != nil {
				return
			}
			req.Header.Set("Content-Type", contentType)
			req.Header.Set("Authorization", "Bearer "+bearer)

			resp, err := env.httpSrv.Client().Do(req)
			if err != nil {
				return
			}
			defer resp.Body.Close()
			_, _ = io.Copy(io.Discard, resp.Body)
			statuses[i] = resp.StatusCode
		}(i)
	}
	wg.Wait()

	for i, status := range statuses {
		require.Equalf(t, http.StatusCreated, status, "uploader %d status", i)
	}

	// Exactly one well-formed record per upload, and no two uploads may
	// have collided on a destination path.
	records := env.records(t)
	require.Len(t, records, uploaders, "record count")

	paths := map[string]bool{}
	for _, rec := range records {
		require.Equal(t, "same.txt", rec.Filename, "received filename")
		require.False(t, paths[rec.StoredPath], "destination path %q collided", rec.StoredPath)
		paths[rec.StoredPath] = true

		info, err := os.Stat(rec.StoredPath)
		require.NoErrorf(t, err, "stating %s", rec.StoredPath)
		require.Equal(t, rec.SizeBytes, info.Size(), "recorded size must match the file")
	}

	require.Len(t, env.storedFiles(t), uploaders, "stored file count")
}

// syncBuffer is a goroutine-safe log sink for tests that capture slog output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Not parallel: swaps the process-wide default logger.
func TestRecordFailureLogsEveryOrphan(t *testing.T) {
	logBuf := &syncBuffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(logBuf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	env := newTestEnv(t, nil)
	require.NoError(t, env.srv.db.Close(), "closing audit db")

	// Two file parts: ingest promotes both before the first record is
	// attempted, so a record failure orphans both.
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range []struct{ name, content string }{
		{"one.txt", "first"},
		{"two.txt", "second"},
	} {
		pw, err := w.CreateFormFile("file", f.name)
		require.NoError(t, err, "creating form file")
		_, err = pw.Write([]byte(f.content))
		require.NoError(t, err, "writing form file")
	}
	require.NoError(t, w.Close(), "closing multipart writer")

	resp := env.upload(t, env.token(t, nil), &buf, w.FormDataContentType())
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "status")
	require.Len(t, env.storedFiles(t), 2, "both stored files must remain for reconciliation")

	logged := logBuf.String()
	require.Equal(t, 2, strings.Count(logged, "ORPHAN FILE"), "one orphan line per unrecorded file")
	require.Contains(t, logged, "one.txt", "first orphan must be findable in the logs")
	require.Contains(t, logged, "two.txt", "second orphan must be findable in the logs")
}

func TestRecordFailureSurfacesOrphan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	// Closing the audit db makes the append fail after the file is stored.
	require.NoError(t, env.srv.db.Close(), "closing audit db")

	body, contentType := multipartPayload(t, "orphan.txt", []byte("stored but unrecorded"))
	resp := env.upload(t, env.token(t, nil), body, contentType)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode, "status")

	var errResp ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&errResp), "decoding error response")
	require.Contains(t, errResp.Error, "stored but audit record", "orphan state must not be reported as a generic failure")

	// The stored file is the orphan operators reconcile; it must exist.
	files := env.storedFiles(t)
	require.Len(t, files, 1, "orphan file must remain for reconciliation")
	require.Equal(t, "orphan.txt", filepath.Base(files[0]), "orphan filename")
}
