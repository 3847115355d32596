// Command example drives a running stash instance through the chunked
// upload API, then verifies with a real S3 SDK client that the merged
// object landed on the backend with the expected contents.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"strconv"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

const (
	FileName  = "example.txt"
	ChunkSize = 5
)

var FileContent = []byte("Hello from the stash chunked upload example!\n")

// postForm sends a multipart form to baseURL+route and returns the response
// body, failing on any non-200 status.
func postForm(ctx context.Context, client *http.Client, baseURL, route string, fields map[string]string, fileField string, fileData []byte) ([]byte, error) {
	var form bytes.Buffer
	w := multipart.NewWriter(&form)
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	if fileField != "" {
		part, err := w.CreateFormFile(fileField, FileName)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(fileData); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+route, &form)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned status %d: %s", route, resp.StatusCode, body)
	}
	return body, nil
}

// UploadChunked pushes the file through the chunked upload API: init, one
// request per chunk, then complete.
func UploadChunked(ctx context.Context, client *http.Client, baseURL string) error {
	body, err := postForm(ctx, client, baseURL, "/upload/chunk/init", map[string]string{
		"filename":  FileName,
		"file_size": strconv.Itoa(len(FileContent)),
	}, "", nil)
	if err != nil {
		return fmt.Errorf("failed to init upload session: %w", err)
	}

	var initResp struct {
		UploadID string `json:"upload_id"`
	}
	if err := json.Unmarshal(body, &initResp); err != nil {
		return fmt.Errorf("failed to decode init response: %w", err)
	}
	slog.Info("Created upload session", "upload_id", initResp.UploadID)

	for index := 0; index*ChunkSize < len(FileContent); index++ {
		end := min((index+1)*ChunkSize, len(FileContent))
		_, err := postForm(ctx, client, baseURL, "/upload/chunk", map[string]string{
			"upload_id":   initResp.UploadID,
			"chunk_index": strconv.Itoa(index),
		}, "file", FileContent[index*ChunkSize:end])
		if err != nil {
			return fmt.Errorf("failed to upload chunk %d: %w", index, err)
		}
	}
	slog.Info("Uploaded all chunks", "upload_id", initResp.UploadID)

	if _, err := postForm(ctx, client, baseURL, "/upload/chunk/complete", map[string]string{
		"upload_id": initResp.UploadID,
		"filename":  FileName,
	}, "", nil); err != nil {
		return fmt.Errorf("failed to complete upload: %w", err)
	}
	slog.Info("Completed upload", "upload_id", initResp.UploadID)

	return nil
}

// VerifyObject fetches the object from the backend with a minio client and
// compares its contents to want.
func VerifyObject(ctx context.Context, mc *minio.Client, bucket, key string, want []byte) error {
	obj, err := mc.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer obj.Close()

	got, err := io.ReadAll(obj)
	if err != nil {
		return fmt.Errorf("failed to read object %q: %w", key, err)
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("object %q content mismatch: got %d bytes, want %d", key, len(got), len(want))
	}

	slog.Info("Verified object on backend", "bucket", bucket, "key", key, "size", len(got))
	return nil
}

func Run(ctx context.Context) error {
	baseURL := getenv("STASH_URL", "http://localhost:8000")
	endpoint := getenv("S3_ENDPOINT", "localhost:9000")
	bucket := getenv("S3_BUCKET", "example-bucket")
	accessKey := getenv("S3_ACCESS_KEY", "minioadmin")
	secretKey := getenv("S3_SECRET_ACCESS_KEY", "minioadmin")
	keyPrefix := os.Getenv("S3_KEY_PREFIX")

	if err := UploadChunked(ctx, &http.Client{}, baseURL); err != nil {
		return err
	}

	mc, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: getenv("S3_SECURE", "false") == "true",
	})
	if err != nil {
		return fmt.Errorf("failed to create minio client: %w", err)
	}

	key := FileName
	if keyPrefix != "" {
		key = path.Join(keyPrefix, FileName)
	}
	return VerifyObject(ctx, mc, bucket, key, FileContent)
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("Example failed", "error", err)
		os.Exit(1)
	}
}
