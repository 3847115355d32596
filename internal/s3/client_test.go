package s3

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testAccessKey = "stashadmin"
	testSecretKey = "stashsecret"
	testRegion    = "ru-1"
	testEndpoint  = "storage.test"
	testBucket    = "test-bucket"
)

// fakeBackend is an in-memory S3-compatible endpoint that verifies SigV4
// header signatures on PUT and POST policy signatures (including expiry) on
// multipart POST, then records the stored objects.
type fakeBackend struct {
	mu      sync.Mutex
	objects map[string][]byte
	now     func() time.Time
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		objects: make(map[string][]byte),
		now:     time.Now,
	}
}

func (b *fakeBackend) object(key string) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	return data, ok
}

func (b *fakeBackend) handler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPut:
			b.handlePut(t, w, r)
		case http.MethodPost:
			b.handlePost(t, w, r)
		default:
			http.Error(w, "unexpected method", http.StatusMethodNotAllowed)
		}
	})
}

// handlePut verifies the Authorization header by recomputing the signature
// from the canonical request, the same way a real backend would.
func (b *fakeBackend) handlePut(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	payloadHash := r.Header.Get("x-amz-content-sha256")
	sum := sha256.Sum256(body)
	if hex.EncodeToString(sum[:]) != payloadHash {
		http.Error(w, "payload hash mismatch", http.StatusBadRequest)
		return
	}

	auth := r.Header.Get("Authorization")
	const prefix = "AWS4-HMAC-SHA256 "
	if !strings.HasPrefix(auth, prefix) {
		http.Error(w, "missing sigv4 authorization", http.StatusForbidden)
		return
	}

	kv := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(auth, prefix), ",") {
		part = strings.TrimSpace(part)
		if idx := strings.IndexByte(part, '='); idx > 0 {
			kv[part[:idx]] = part[idx+1:]
		}
	}

	credParts := strings.Split(kv["Credential"], "/")
	if len(credParts) != 5 || credParts[0] != testAccessKey || credParts[4] != "aws4_request" {
		http.Error(w, "bad credential", http.StatusForbidden)
		return
	}
	dateStamp, region, service := credParts[1], credParts[2], credParts[3]

	amzDate := r.Header.Get("x-amz-date")
	canonicalRequest := strings.Join([]string{
		r.Method,
		r.URL.EscapedPath(),
		"",
		"host:" + r.Host + "\n" +
			"x-amz-content-sha256:" + payloadHash + "\n" +
			"x-amz-date:" + amzDate + "\n",
		kv["SignedHeaders"],
		payloadHash,
	}, "\n")
	crHash := sha256.Sum256([]byte(canonicalRequest))

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/"),
		hex.EncodeToString(crHash[:]),
	}, "\n")

	mac := hmac.New(sha256.New, deriveSigningKey(testSecretKey, dateStamp, region, service))
	mac.Write([]byte(stringToSign))
	if kv["Signature"] != hex.EncodeToString(mac.Sum(nil)) {
		http.Error(w, "signature mismatch", http.StatusForbidden)
		return
	}

	key := strings.TrimPrefix(r.URL.Path, "/")
	b.mu.Lock()
	b.objects[key] = body
	b.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// handlePost verifies a POST policy upload: required form fields, policy
// expiry against the backend clock, and the policy signature.
func (b *fakeBackend) handlePost(t *testing.T, w http.ResponseWriter, r *http.Request) {
	t.Helper()

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "malformed form", http.StatusBadRequest)
		return
	}

	for _, field := range []string{"key", "x-amz-algorithm", "x-amz-credential", "x-amz-date", "policy", "x-amz-signature"} {
		if r.FormValue(field) == "" {
			http.Error(w, "missing form field "+field, http.StatusBadRequest)
			return
		}
	}

	policyBase64 := r.FormValue("policy")
	raw, err := base64.StdEncoding.DecodeString(policyBase64)
	if err != nil {
		http.Error(w, "policy is not base64", http.StatusBadRequest)
		return
	}

	var doc struct {
		Expiration string `json:"expiration"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		http.Error(w, "policy is not JSON", http.StatusBadRequest)
		return
	}

	expiration, err := time.Parse("2006-01-02T15:04:05Z", doc.Expiration)
	if err != nil {
		http.Error(w, "bad expiration timestamp", http.StatusBadRequest)
		return
	}
	if b.now().UTC().After(expiration) {
		http.Error(w, "policy expired", http.StatusForbidden)
		return
	}

	credParts := strings.Split(r.FormValue("x-amz-credential"), "/")
	if len(credParts) != 5 || credParts[0] != testAccessKey {
		http.Error(w, "bad credential", http.StatusForbidden)
		return
	}

	mac := hmac.New(sha256.New, deriveSigningKey(testSecretKey, credParts[1], credParts[2], credParts[3]))
	mac.Write([]byte(policyBase64))
	if r.FormValue("x-amz-signature") != hex.EncodeToString(mac.Sum(nil)) {
		http.Error(w, "policy signature mismatch", http.StatusForbidden)
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file part", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "read file part", http.StatusBadRequest)
		return
	}

	b.mu.Lock()
	b.objects[r.FormValue("key")] = data
	b.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// newTestClient wires a Client to the fake backend: plain HTTP, and a
// transport that dials the test listener regardless of the virtual-hosted
// hostname so the Host header survives for signature verification.
func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()

	c := NewClient(Config{
		Endpoint:        testEndpoint,
		Region:          testRegion,
		AccessKeyID:     testAccessKey,
		SecretAccessKey: testSecretKey,
	})
	c.scheme = "http"

	addr := srv.Listener.Addr().String()
	c.httpClient = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
	return c
}

func TestPutObject(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)

	payload := []byte("hello put object")
	require.NoError(t, client.PutObject(context.Background(), testBucket, "dir/file.bin", payload), "PutObject error")

	stored, ok := backend.object("dir/file.bin")
	require.True(t, ok, "object should be stored on the backend")
	require.Equal(t, payload, stored, "stored payload")
}

func TestPutObjectRejectsWrongSecret(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)
	client.signer.SecretAccessKey = "not-the-secret"

	err := client.PutObject(context.Background(), testBucket, "file.bin", []byte("data"))
	require.Error(t, err, "expected signature rejection")

	var backendErr *Error
	require.ErrorAs(t, err, &backendErr, "error should be *Error")
	require.Equal(t, http.StatusForbidden, backendErr.StatusCode, "status code")
	require.Contains(t, backendErr.Body, "signature mismatch", "backend diagnostic body")
}

func TestPutObjectSurfacesBackendError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)

	err := client.PutObject(context.Background(), testBucket, "file.bin", []byte("data"))
	var backendErr *Error
	require.ErrorAs(t, err, &backendErr, "error should be *Error")
	require.Equal(t, http.StatusInsufficientStorage, backendErr.StatusCode, "status code")
	require.Contains(t, backendErr.Body, "quota exceeded", "response body surfaced")
}

func TestPutObjectCancelled(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server's background read can observe the
		// client disconnect and cancel the request context.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.PutObject(ctx, testBucket, "file.bin", []byte("data"))
	require.Error(t, err, "expected cancellation error")

	var backendErr *Error
	require.False(t, errors.As(err, &backendErr), "cancellation is not a backend error")
}

func TestMultipartUpload(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)

	payload := []byte("merged file contents for multipart upload")
	filePath := filepath.Join(t.TempDir(), "merged.bin")
	require.NoError(t, os.WriteFile(filePath, payload, 0o644), "writing temp file")

	require.NoError(t, client.MultipartUpload(context.Background(), testBucket, "videos/a.mp4", filePath), "MultipartUpload error")

	stored, ok := backend.object("videos/a.mp4")
	require.True(t, ok, "object should be stored on the backend")
	require.Equal(t, payload, stored, "stored payload")
}

func TestMultipartUploadExpiredPolicy(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)
	// Sign with a clock two hours in the past; the policy TTL is one hour,
	// so the backend must reject the upload as expired.
	client.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	filePath := filepath.Join(t.TempDir(), "merged.bin")
	require.NoError(t, os.WriteFile(filePath, []byte("stale"), 0o644), "writing temp file")

	err := client.MultipartUpload(context.Background(), testBucket, "videos/a.mp4", filePath)
	var backendErr *Error
	require.ErrorAs(t, err, &backendErr, "error should be *Error")
	require.Equal(t, http.StatusForbidden, backendErr.StatusCode, "status code")
	require.Contains(t, backendErr.Body, "policy expired", "backend diagnostic body")

	_, ok := backend.object("videos/a.mp4")
	require.False(t, ok, "expired upload must not be stored")
}

func TestMultipartUploadMissingFile(t *testing.T) {
	t.Parallel()

	backend := newFakeBackend()
	srv := httptest.NewServer(backend.handler(t))
	t.Cleanup(srv.Close)

	client := newTestClient(t, srv)

	err := client.MultipartUpload(context.Background(), testBucket, "k", filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err, "expected error for missing local file")
}
