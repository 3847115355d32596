// Package s3 implements a minimal client for S3-compatible object storage.
// It signs requests itself using AWS Signature Version 4 rather than pulling
// in a full SDK: the service only ever needs two request shapes, a
// header-signed PUT and a POST-policy multipart form upload.
package s3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const (
	algorithm   = "AWS4-HMAC-SHA256"
	serviceName = "s3"
	terminator  = "aws4_request"

	amzDateFormat    = "20060102T150405Z"
	dateStampFormat  = "20060102"
	expirationFormat = "2006-01-02T15:04:05Z"

	// PolicyTTL bounds how long a signed POST policy remains valid.
	PolicyTTL = time.Hour
)

// Signer produces AWS Signature Version 4 authorization material: signed
// headers for PUT requests and signed POST policy documents for multipart
// form uploads. All methods are pure computation over the credentials and
// the supplied timestamp.
type Signer struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// deriveSigningKey computes the SigV4 signing key chain for the given date
// stamp, region, and service. Deterministic: identical inputs always yield
// identical key bytes.
func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, region)
	kService := hmacSHA256(kRegion, service)
	return hmacSHA256(kService, terminator)
}

func (s *Signer) signingKey(dateStamp string) []byte {
	return deriveSigningKey(s.SecretAccessKey, dateStamp, s.Region, serviceName)
}

func (s *Signer) credentialScope(dateStamp string) string {
	return strings.Join([]string{dateStamp, s.Region, serviceName, terminator}, "/")
}

// SignHeaderRequest builds the Authorization, x-amz-date, and
// x-amz-content-sha256 headers for a header-signed request against
// https://{bucket}.{endpoint}/{key}. The canonical headers are host,
// x-amz-content-sha256, and x-amz-date, in that fixed order, each
// newline-terminated; the payload hash is supplied by the caller.
func (s *Signer) SignHeaderRequest(method, bucket, endpoint, key, payloadHash string, now time.Time) http.Header {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	dateStamp := now.Format(dateStampFormat)

	host := bucket + "." + endpoint
	canonicalURI := "/" + key
	canonicalHeaders := "host:" + host + "\n" +
		"x-amz-content-sha256:" + payloadHash + "\n" +
		"x-amz-date:" + amzDate + "\n"
	const signedHeaders = "host;x-amz-content-sha256;x-amz-date"

	// Query string is always empty for our two request shapes, hence the
	// empty third line.
	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		"",
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	crHash := sha256.Sum256([]byte(canonicalRequest))
	scope := s.credentialScope(dateStamp)
	stringToSign := strings.Join([]string{
		algorithm,
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")

	signature := hex.EncodeToString(hmacSHA256(s.signingKey(dateStamp), stringToSign))

	headers := http.Header{}
	headers.Set("Authorization", fmt.Sprintf(
		"%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		algorithm, s.AccessKeyID, scope, signedHeaders, signature,
	))
	headers.Set("x-amz-date", amzDate)
	headers.Set("x-amz-content-sha256", payloadHash)
	return headers
}

// PostPolicy carries the signed policy material for a POST-policy upload.
type PostPolicy struct {
	PolicyBase64 string
	Signature    string
	Credential   string
	AmzDate      string
}

type policyDocument struct {
	Expiration string              `json:"expiration"`
	Conditions []map[string]string `json:"conditions"`
}

// BuildPolicyDocument constructs and signs a POST policy permitting an
// upload of key into bucket until now+ttl. The signature covers the
// base64-encoded policy, not the raw JSON. The policy's embedded timestamps
// and the signing key derive from the same instant; mixing clocks here
// breaks verification on the backend.
func (s *Signer) BuildPolicyDocument(bucket, key string, now time.Time, ttl time.Duration) (PostPolicy, error) {
	now = now.UTC()
	amzDate := now.Format(amzDateFormat)
	dateStamp := now.Format(dateStampFormat)
	credential := s.AccessKeyID + "/" + s.credentialScope(dateStamp)

	doc := policyDocument{
		Expiration: now.Add(ttl).Format(expirationFormat),
		Conditions: []map[string]string{
			{"bucket": bucket},
			{"key": key},
			{"x-amz-algorithm": algorithm},
			{"x-amz-credential": credential},
			{"x-amz-date": amzDate},
		},
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return PostPolicy{}, fmt.Errorf("marshal policy document: %w", err)
	}

	policyBase64 := base64.StdEncoding.EncodeToString(raw)
	signature := hex.EncodeToString(hmacSHA256(s.signingKey(dateStamp), policyBase64))

	return PostPolicy{
		PolicyBase64: policyBase64,
		Signature:    signature,
		Credential:   credential,
		AmzDate:      amzDate,
	}, nil
}
