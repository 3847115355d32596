package s3

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"os"
	"path"
	"time"
)

// Error is returned when the storage backend rejects a transfer. It carries
// the backend's HTTP status and full response body for diagnostics.
type Error struct {
	StatusCode int
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage backend returned status %d: %s", e.StatusCode, e.Body)
}

// Config holds the settings needed to reach the storage backend.
type Config struct {
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Client moves bytes to an S3-compatible backend over virtual-hosted-style
// URLs ({bucket}.{endpoint}), authorizing each request with its Signer.
type Client struct {
	endpoint   string
	signer     *Signer
	httpClient *http.Client
	scheme     string
	now        func() time.Time
}

// NewClient returns a Client for the given backend configuration.
func NewClient(cfg Config) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		signer: &Signer{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Region:          cfg.Region,
		},
		httpClient: &http.Client{},
		scheme:     "https",
		now:        time.Now,
	}
}

// PutObject uploads data to bucket/key with a single header-signed PUT.
// A nil error means the backend answered 200 or 204; any other status is
// surfaced as *Error.
func (c *Client) PutObject(ctx context.Context, bucket, key string, data []byte) error {
	sum := sha256.Sum256(data)
	payloadHash := hex.EncodeToString(sum[:])

	headers := c.signer.SignHeaderRequest(http.MethodPut, bucket, c.endpoint, key, payloadHash, c.now())

	url := fmt.Sprintf("%s://%s.%s/%s", c.scheme, bucket, c.endpoint, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build PUT request: %w", err)
	}
	for name, values := range headers {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("put object %q: %w", key, err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// MultipartUpload uploads the file at filePath to bucket/key using a signed
// POST policy and a multipart/form-data request. The file is streamed
// through the form writer via a pipe, never fully buffered in memory.
func (c *Client) MultipartUpload(ctx context.Context, bucket, key, filePath string) error {
	policy, err := c.signer.BuildPolicyDocument(bucket, key, c.now(), PolicyTTL)
	if err != nil {
		return err
	}

	f, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open upload file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writePolicyForm(form, key, policy, f))
	}()

	url := fmt.Sprintf("%s://%s.%s/", c.scheme, bucket, c.endpoint)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return fmt.Errorf("build POST request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("multipart upload %q: %w", key, err)
	}
	defer resp.Body.Close()

	return classifyResponse(resp)
}

// writePolicyForm emits the policy fields followed by the file part, in the
// order the POST policy protocol expects.
func writePolicyForm(form *multipart.Writer, key string, policy PostPolicy, f io.Reader) error {
	fields := []struct{ name, value string }{
		{"key", key},
		{"x-amz-algorithm", algorithm},
		{"x-amz-credential", policy.Credential},
		{"x-amz-date", policy.AmzDate},
		{"policy", policy.PolicyBase64},
		{"x-amz-signature", policy.Signature},
	}
	for _, field := range fields {
		if err := form.WriteField(field.name, field.value); err != nil {
			return fmt.Errorf("write form field %s: %w", field.name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, path.Base(key)))
	header.Set("Content-Type", "application/octet-stream")
	part, err := form.CreatePart(header)
	if err != nil {
		return fmt.Errorf("create file part: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return fmt.Errorf("stream file part: %w", err)
	}
	return form.Close()
}

// classifyResponse reads the entire response body so backend diagnostics are
// never lost, then maps the status to success or *Error.
func classifyResponse(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read backend response: %w", err)
	}
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return &Error{StatusCode: resp.StatusCode, Body: string(body)}
}
