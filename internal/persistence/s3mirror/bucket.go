// Package s3mirror copies run artifacts (run.json and snapshots) to an
// S3-compatible bucket with SigV4-signed PUTs.
package s3mirror

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	amzAlgorithm  = "AWS4-HMAC-SHA256"
	amzService    = "s3"
	amzTimeFormat = "20060102T150405Z"
	signedHeaders = "host;x-amz-content-sha256;x-amz-date"

	// R2 and MinIO accept any region name.
	fallbackRegion = "auto"
)

type Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Bucket is a single path-style bucket on an S3-compatible endpoint.
type Bucket struct {
	base   string // scheme://host[/path]/bucket
	signer signer
	hc     *http.Client
	clock  func() time.Time
}

func NewBucket(cfg Config) (*Bucket, error) {
	var missing []string
	field := func(name, v string) string {
		v = strings.TrimSpace(v)
		if v == "" {
			missing = append(missing, name)
		}
		return v
	}
	endpoint := field("endpoint", cfg.Endpoint)
	bucket := field("bucket", cfg.Bucket)
	keyID := field("access key id", cfg.AccessKeyID)
	secret := field("secret access key", cfg.SecretAccessKey)
	if len(missing) > 0 {
		return nil, fmt.Errorf("bucket config: missing %s", strings.Join(missing, ", "))
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("bucket endpoint: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("bucket endpoint %q: need http(s)://host", endpoint)
	}
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = fallbackRegion
	}
	return &Bucket{
		base:   strings.TrimRight(u.String(), "/") + "/" + url.PathEscape(bucket),
		signer: signer{keyID: keyID, secret: secret, region: region},
		hc:     &http.Client{Timeout: 2 * time.Minute},
		clock:  time.Now,
	}, nil
}

// Put uploads body under key. body is read twice, once to hash it and once
// to send it.
func (b *Bucket) Put(ctx context.Context, key string, body io.ReadSeeker) error {
	if key == "" {
		return errors.New("put: empty key")
	}
	h := sha256.New()
	size, err := io.Copy(h, body)
	if err != nil {
		return fmt.Errorf("put %s: hash body: %w", key, err)
	}
	if _, err := body.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("put %s: rewind body: %w", key, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.base+"/"+escapeKey(key), io.NopCloser(body))
	if err != nil {
		return err
	}
	req.ContentLength = size
	req.Header.Set("Content-Type", contentType(key))
	b.signer.authorize(req, hex.EncodeToString(h.Sum(nil)), b.clock().UTC())

	resp, err := b.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return &PutError{Key: key, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
}

type PutError struct {
	Key    string
	Status int
	Body   string
}

func (e *PutError) Error() string {
	return fmt.Sprintf("put %s: status %d: %s", e.Key, e.Status, e.Body)
}

func contentType(key string) string {
	if strings.HasSuffix(key, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

func escapeKey(key string) string {
	segs := strings.Split(key, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}

type signer struct {
	keyID  string
	secret string
	region string
}

func (s signer) scope(day string) string {
	return day + "/" + s.region + "/" + amzService + "/aws4_request"
}

// authorize sets the x-amz headers and the Authorization header. Only host
// and the two x-amz headers are signed.
func (s signer) authorize(req *http.Request, payloadHash string, at time.Time) {
	stamp := at.Format(amzTimeFormat)
	day := stamp[:8]
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", stamp)

	var canon strings.Builder
	canon.WriteString(req.Method + "\n")
	canon.WriteString(req.URL.EscapedPath() + "\n")
	canon.WriteString(req.URL.RawQuery + "\n")
	canon.WriteString("host:" + req.URL.Host + "\n")
	canon.WriteString("x-amz-content-sha256:" + payloadHash + "\n")
	canon.WriteString("x-amz-date:" + stamp + "\n\n")
	canon.WriteString(signedHeaders + "\n")
	canon.WriteString(payloadHash)
	canonHash := sha256.Sum256([]byte(canon.String()))

	toSign := amzAlgorithm + "\n" + stamp + "\n" + s.scope(day) + "\n" + hex.EncodeToString(canonHash[:])

	key := []byte("AWS4" + s.secret)
	for _, part := range []string{day, s.region, amzService, "aws4_request"} {
		key = mac(key, part)
	}
	req.Header.Set("Authorization", amzAlgorithm+
		" Credential="+s.keyID+"/"+s.scope(day)+
		", SignedHeaders="+signedHeaders+
		", Signature="+hex.EncodeToString(mac(key, toSign)))
}

func mac(key []byte, msg string) []byte {
	m := hmac.New(sha256.New, key)
	_, _ = io.WriteString(m, msg)
	return m.Sum(nil)
}
