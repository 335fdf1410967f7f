package s3mirror

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type put struct {
	path string
	auth string
	hash string
	body string
}

type fakeBucket struct {
	mu     sync.Mutex
	puts   []put
	status int
}

func (b *fakeBucket) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	b.mu.Lock()
	b.puts = append(b.puts, put{
		path: r.URL.Path,
		auth: r.Header.Get("Authorization"),
		hash: r.Header.Get("x-amz-content-sha256"),
		body: string(body),
	})
	status := b.status
	b.mu.Unlock()
	if r.Method != http.MethodPut {
		status = http.StatusMethodNotAllowed
	}
	if status == 0 {
		status = http.StatusOK
	}
	rw.WriteHeader(status)
	if status/100 != 2 {
		_, _ = rw.Write([]byte("<Error>denied</Error>"))
	}
}

func (b *fakeBucket) calls() []put {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]put(nil), b.puts...)
}

func newTestBucket(t *testing.T, endpoint string) *Bucket {
	t.Helper()
	b, err := NewBucket(Config{Endpoint: endpoint, Bucket: "crowd", AccessKeyID: "AK", SecretAccessKey: "SK"})
	require.NoError(t, err)
	b.clock = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return b
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestNewBucketValidatesConfig(t *testing.T) {
	_, err := NewBucket(Config{Endpoint: "example.com", AccessKeyID: "a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket, secret access key")

	_, err = NewBucket(Config{Endpoint: "ftp://example.com", Bucket: "x", AccessKeyID: "a", SecretAccessKey: "b"})
	assert.Error(t, err)

	b, err := NewBucket(Config{Endpoint: "example.com/", Bucket: "x", AccessKeyID: "a", SecretAccessKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/x", b.base)
	assert.Equal(t, fallbackRegion, b.signer.region)
}

func TestPutSignsRequest(t *testing.T) {
	fb := &fakeBucket{}
	ts := httptest.NewServer(fb)
	defer ts.Close()

	b := newTestBucket(t, ts.URL)
	require.NoError(t, b.Put(context.Background(), "runs/r1/a b.snap.zst", strings.NewReader("snapshot-bytes")))

	calls := fb.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "/crowd/runs/r1/a b.snap.zst", calls[0].path)
	assert.Equal(t, "snapshot-bytes", calls[0].body)
	sum := sha256.Sum256([]byte("snapshot-bytes"))
	assert.Equal(t, hex.EncodeToString(sum[:]), calls[0].hash)
	assert.True(t, strings.HasPrefix(calls[0].auth,
		"AWS4-HMAC-SHA256 Credential=AK/20260301/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date, Signature="),
		calls[0].auth)
}

func TestSignatureDependsOnSecret(t *testing.T) {
	sig := func(secret string) string {
		req := httptest.NewRequest(http.MethodPut, "http://127.0.0.1:9000/b/k", nil)
		s := signer{keyID: "AK", secret: secret, region: "auto"}
		s.authorize(req, hex.EncodeToString(make([]byte, 32)), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
		return req.Header.Get("Authorization")
	}
	assert.Equal(t, sig("one"), sig("one"))
	assert.NotEqual(t, sig("one"), sig("two"))
}

func TestPutReportsStatus(t *testing.T) {
	ts := httptest.NewServer(&fakeBucket{status: http.StatusForbidden})
	defer ts.Close()

	err := newTestBucket(t, ts.URL).Put(context.Background(), "a", strings.NewReader("x"))
	var pe *PutError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusForbidden, pe.Status)
	assert.Contains(t, pe.Body, "denied")

	assert.Error(t, newTestBucket(t, ts.URL).Put(context.Background(), "", strings.NewReader("x")))
}

func TestArtifactKeys(t *testing.T) {
	key, err := RunMeta("r1", "/tmp/run.json").Key("")
	require.NoError(t, err)
	assert.Equal(t, "runs/r1/run.json", key)

	key, err = Snapshot("r1", 40, "/tmp/x").Key(`/crowdsim\\prod/`)
	require.NoError(t, err)
	assert.Equal(t, "crowdsim/prod/runs/r1/snapshots/000000000040.snap.zst", key)

	for name, a := range map[string]Artifact{
		"empty run":    RunMeta("", "/tmp/run.json"),
		"nested run":   RunMeta("a/b", "/tmp/run.json"),
		"parent run":   Snapshot("..", 1, "/tmp/x"),
		"no local":     Snapshot("r1", 1, ""),
		"unknown kind": {Kind: "frames", RunID: "r1", Local: "/tmp/x"},
	} {
		_, err := a.Key("p")
		assert.Error(t, err, name)
	}
}

func TestMirrorUploadsUnderPrefix(t *testing.T) {
	fb := &fakeBucket{}
	ts := httptest.NewServer(fb)
	defer ts.Close()

	dir := t.TempDir()
	meta := filepath.Join(dir, "run.json")
	snap := filepath.Join(dir, "local-name.snap.zst")
	writeFile(t, meta, "{}")
	writeFile(t, snap, "snap")

	m := NewMirror(newTestBucket(t, ts.URL), Options{Prefix: "/crowdsim/"}, nil)
	m.Push(RunMeta("r1", meta))
	m.Push(Snapshot("r1", 10, snap))
	m.Close()

	var paths []string
	for _, c := range fb.calls() {
		paths = append(paths, c.path)
	}
	assert.ElementsMatch(t, []string{
		"/crowd/crowdsim/runs/r1/run.json",
		"/crowd/crowdsim/runs/r1/snapshots/000000000010.snap.zst",
	}, paths)
	st := m.Stats()
	assert.Equal(t, uint64(2), st.EnqueuedTotal)
	assert.Equal(t, uint64(2), st.UploadSuccessTotal)
	assert.NotZero(t, st.LastSuccessUnix)
}

func TestMirrorSkipsBadArtifacts(t *testing.T) {
	fb := &fakeBucket{}
	ts := httptest.NewServer(fb)
	defer ts.Close()

	m := NewMirror(newTestBucket(t, ts.URL), Options{RetryBackoff: time.Millisecond}, nil)
	m.Push(RunMeta("../r1", filepath.Join(t.TempDir(), "run.json")))
	m.Push(Snapshot("r1", 10, filepath.Join(t.TempDir(), "missing.snap.zst")))
	m.Close()

	assert.Empty(t, fb.calls())
	st := m.Stats()
	assert.Equal(t, uint64(1), st.EnqueuedTotal, "bad run id never queued")
	assert.Equal(t, uint64(1), st.UploadFailTotal, "missing file fails without retries")
}

func TestMirrorRetriesThenCountsFailure(t *testing.T) {
	fb := &fakeBucket{status: http.StatusInternalServerError}
	ts := httptest.NewServer(fb)
	defer ts.Close()

	local := filepath.Join(t.TempDir(), "run.json")
	writeFile(t, local, "{}")

	m := NewMirror(newTestBucket(t, ts.URL), Options{RetryBackoff: time.Millisecond}, nil)
	m.Push(RunMeta("r1", local))
	m.Close()

	assert.Len(t, fb.calls(), uploadAttempts)
	st := m.Stats()
	assert.Equal(t, uint64(1), st.UploadFailTotal)
	assert.NotZero(t, st.LastErrorUnix)
}

func TestNilMirrorIsInert(t *testing.T) {
	var m *Mirror
	m.Push(RunMeta("r1", "x"))
	m.Close()
	assert.Equal(t, Stats{}, m.Stats())
}
