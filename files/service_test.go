package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/filedrop/access"
	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/storage"
	"github.com/jmcleod/filedrop/storage/memory"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestService(t *testing.T, opts ...Option) (*Service, *memory.Store, *clock) {
	t.Helper()
	store := memory.NewStore()
	c := &clock{t: time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local)}
	opts = append([]Option{WithClock(c.now)}, opts...)
	return NewService(store, opts...), store, c
}

func upload(t *testing.T, s *Service, name, body string, p access.Principal) *UploadResult {
	t.Helper()
	res, err := s.Upload(context.Background(), UploadInput{
		PartFilename: name,
		Body:         strings.NewReader(body),
		Size:         int64(len(body)),
		ContentType:  "text/plain",
	}, p)
	require.NoError(t, err)
	return res
}

func readDownload(t *testing.T, d *Download) string {
	t.Helper()
	defer d.Body.Close()
	data, err := io.ReadAll(d.Body)
	require.NoError(t, err)
	return string(data)
}

func TestUploadDownloadRoundTrip(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	res := upload(t, s, "hello.txt", "hello", access.SessionPrincipal())
	assert.True(t, res.OK)
	assert.Equal(t, "files/2025-1-2/hello.txt", res.Location)
	assert.Equal(t, "hello.txt", res.Filename)
	assert.Len(t, res.Key, 32)
	assert.Equal(t, "/api/files/files%2F2025-1-2%2Fhello.txt?key="+res.Key, res.Download)
	assert.WithinDuration(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local).Add(365*24*time.Hour), res.Decay, time.Second)

	d, err := s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	assert.Equal(t, "hello", readDownload(t, d))
	assert.Equal(t, "text/plain", d.ContentType)
	assert.Equal(t, "hello.txt", d.Filename)
	assert.Equal(t, int64(5), d.Size)
	assert.Empty(t, d.UploadedVia)
}

func TestUploadMetadata(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	p := access.Principal{Type: access.PrincipalAPIKey, KeyName: "ci-bot", KeyID: "abc123"}
	res := upload(t, s, "build.log", "ok", p)

	meta, err := s.loadMetadata(ctx, res.Location)
	require.NoError(t, err)
	assert.Equal(t, res.Key, meta.Key)
	assert.Equal(t, "build.log", meta.OriginalName)
	assert.Equal(t, int64(2), meta.Size)
	assert.Equal(t, "api-key", meta.UploadedBy)
	assert.Equal(t, "ci-bot", meta.UploadedWith)
	assert.Equal(t, "abc123", meta.UploadedVia)
	assert.Nil(t, meta.UpdatedAt)

	d, err := s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	d.Body.Close()
	assert.Equal(t, "ci-bot", d.UploadedVia)

	web := upload(t, s, "web.txt", "x", access.SessionPrincipal())
	meta, err = s.loadMetadata(ctx, web.Location)
	require.NoError(t, err)
	assert.Equal(t, "session", meta.UploadedBy)
	assert.Equal(t, "web-interface", meta.UploadedWith)
	assert.Equal(t, "session", meta.UploadedVia)
}

func TestUploadOptions(t *testing.T) {
	s, _, _ := newTestService(t, WithPublicURL("https://drop.example.com/"), WithDefaultDecayDays(7))
	res := upload(t, s, "a.txt", "a", access.SessionPrincipal())
	assert.True(t, strings.HasPrefix(res.Download, "https://drop.example.com/api/files/"))
	assert.WithinDuration(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local).Add(7*24*time.Hour), res.Decay, time.Second)

	res, err := s.Upload(context.Background(), UploadInput{
		Filename:     "renamed.txt",
		PartFilename: "original.txt",
		Body:         strings.NewReader("b"),
		Size:         1,
		DecayDays:    0.5,
	}, access.SessionPrincipal())
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", res.Filename)
	assert.WithinDuration(t, time.Date(2025, 1, 2, 10, 0, 0, 0, time.Local).Add(12*time.Hour), res.Decay, time.Second)
}

func TestUploadSniffsContentType(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	pdf := "%PDF-1.4\n1 0 obj\n<<>>\nendobj\n"

	// Non-seekable body of unknown length.
	body := io.MultiReader(strings.NewReader(pdf[:4]), strings.NewReader(pdf[4:]))
	res, err := s.Upload(ctx, UploadInput{PartFilename: "doc.pdf", Body: body, Size: -1}, access.SessionPrincipal())
	require.NoError(t, err)

	meta, err := s.loadMetadata(ctx, res.Location)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", meta.ContentType)
	assert.Equal(t, int64(len(pdf)), meta.Size)

	d, err := s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	assert.Equal(t, pdf, readDownload(t, d))

	// Seekable body.
	res, err = s.Upload(ctx, UploadInput{PartFilename: "doc2.pdf", Body: bytes.NewReader([]byte(pdf)), Size: int64(len(pdf))}, access.SessionPrincipal())
	require.NoError(t, err)
	d, err = s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", d.ContentType)
	assert.Equal(t, pdf, readDownload(t, d))
}

func TestUploadRejects(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	p := access.SessionPrincipal()

	_, err := s.Upload(ctx, UploadInput{PartFilename: "a.txt"}, p)
	assert.ErrorIs(t, err, errs.InvalidInput)
	assert.Equal(t, "no file provided", errs.Message(err))

	_, err = s.Upload(ctx, UploadInput{PartFilename: "secret.key", Body: strings.NewReader("x"), Size: 1}, p)
	assert.ErrorIs(t, err, errs.InvalidInput)

	for _, days := range []float64{-1, MaxDecayDays + 1} {
		_, err = s.Upload(ctx, UploadInput{PartFilename: "a.txt", Body: strings.NewReader("x"), Size: 1, DecayDays: days}, p)
		assert.ErrorIs(t, err, errs.InvalidInput, "decay %v", days)
	}
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"report.pdf", "report.pdf", false},
		{"../../etc/passwd", "passwd", false},
		{`C:\Users\me\notes.txt`, "notes.txt", false},
		{"", "file", false},
		{"dir/", "file", false},
		{"..", "file", false},
		{"id.key", "", true},
		{"nested/id.key", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := SanitizeName(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, errs.InvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStorageKey(t *testing.T) {
	assert.Equal(t, "files/2025-1-2/a.txt", StorageKey(time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), "a.txt"))
	assert.Equal(t, "files/2024-12-31/b", StorageKey(time.Date(2024, 12, 31, 23, 0, 0, 0, time.UTC), "b"))
}

func TestDownloadCapabilityChecks(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()
	res := upload(t, s, "secret.txt", "data", access.SessionPrincipal())
	k := res.Key

	flipped := []byte(k)
	if flipped[len(flipped)-1] == '0' {
		flipped[len(flipped)-1] = '1'
	} else {
		flipped[len(flipped)-1] = '0'
	}

	tests := []struct {
		name  string
		token string
		want  errs.Kind
	}{
		{"empty", "", errs.Unauthenticated},
		{"near miss", string(flipped), errs.Forbidden},
		{"uppercase", strings.ToUpper(k), errs.Forbidden},
		{"prefix", k[:16], errs.Forbidden},
		{"extended", k + "0", errs.Forbidden},
		{"legacy placeholder", "unknown", errs.Forbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Download(ctx, res.Location, tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	_, err := s.Download(ctx, "files/2025-1-2/missing.txt", k)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestDownloadExpiry(t *testing.T) {
	s, store, c := newTestService(t)
	ctx := context.Background()

	res, err := s.Upload(ctx, UploadInput{PartFilename: "short.txt", Body: strings.NewReader("x"), Size: 1, DecayDays: 1}, access.SessionPrincipal())
	require.NoError(t, err)

	c.advance(23 * time.Hour)
	d, err := s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	d.Body.Close()

	c.advance(2 * time.Hour)
	_, err = s.Download(ctx, res.Location, res.Key)
	assert.ErrorIs(t, err, errs.Gone)

	// A sidecar without decay never expires.
	location := "files/2020-1-1/forever.txt"
	require.NoError(t, store.Put(ctx, location, strings.NewReader("old"), 3, ""))
	require.NoError(t, s.saveMetadata(ctx, location, Metadata{Key: "cafe"}))
	c.advance(100 * 365 * 24 * time.Hour)
	d, err = s.Download(ctx, location, "cafe")
	require.NoError(t, err)
	assert.Equal(t, "old", readDownload(t, d))
	assert.Equal(t, "application/octet-stream", d.ContentType)
	assert.Equal(t, "forever.txt", d.Filename)
	assert.Equal(t, int64(3), d.Size)
}

func TestDownloadMissingBlob(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	res := upload(t, s, "gone.txt", "x", access.SessionPrincipal())
	require.NoError(t, store.Delete(ctx, res.Location))

	_, err := s.Download(ctx, res.Location, res.Key)
	assert.ErrorIs(t, err, errs.NotFound)
}

func TestList(t *testing.T) {
	s, store, c := newTestService(t)
	ctx := context.Background()

	files, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)

	a := upload(t, s, "a.txt", "aaa", access.SessionPrincipal())
	short, err := s.Upload(ctx, UploadInput{PartFilename: "b.txt", Body: strings.NewReader("b"), Size: 1, DecayDays: 1}, access.SessionPrincipal())
	require.NoError(t, err)
	require.NoError(t, store.Put(ctx, "files/2019-5-5/legacy.bin", strings.NewReader("12345"), 5, ""))

	c.advance(48 * time.Hour)
	files, err = s.List(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)

	byLocation := map[string]Summary{}
	for _, f := range files {
		byLocation[f.Location] = f
	}

	fa := byLocation[a.Location]
	assert.Equal(t, "a.txt", fa.Filename)
	assert.False(t, fa.IsExpired)
	assert.Equal(t, int64(3), fa.Size)
	require.NotNil(t, fa.ContentType)
	assert.Equal(t, "text/plain", *fa.ContentType)
	assert.Equal(t, a.Download, fa.DownloadURL)

	assert.True(t, byLocation[short.Location].IsExpired)

	legacy := byLocation["files/2019-5-5/legacy.bin"]
	assert.Equal(t, "legacy", legacy.UploadedBy)
	assert.Equal(t, "legacy.bin", legacy.Filename)
	assert.True(t, legacy.IsExpired)
	assert.Nil(t, legacy.Uploaded)
	assert.Nil(t, legacy.Decay)
	assert.Equal(t, int64(5), legacy.Size)
	assert.Equal(t, "/api/files/files%2F2019-5-5%2Flegacy.bin?key=unknown", legacy.DownloadURL)
}

func TestDelete(t *testing.T) {
	s, store, _ := newTestService(t)
	ctx := context.Background()
	res := upload(t, s, "a.txt", "a", access.SessionPrincipal())

	require.NoError(t, s.Delete(ctx, res.Location))
	assert.Equal(t, 0, store.Len())

	// Deleting something that does not exist succeeds.
	assert.NoError(t, s.Delete(ctx, "files/2025-1-2/never-existed.txt"))

	assert.ErrorIs(t, s.Delete(ctx, ""), errs.InvalidInput)
	assert.ErrorIs(t, s.Delete(ctx, "keys/keys.json"), errs.InvalidInput)
}

type flakyStore struct {
	*memory.Store
	fail    func(key string) bool
	deletes atomic.Int32
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.deletes.Add(1)
	if f.fail(key) {
		return errors.New("injected delete failure")
	}
	return f.Store.Delete(ctx, key)
}

func TestDeleteFailure(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), fail: func(k string) bool { return strings.HasSuffix(k, ".key") }}
	s := NewService(store)
	err := s.Delete(context.Background(), "files/2025-1-2/a.txt")
	assert.ErrorIs(t, err, errs.Internal)
}

func TestNuke(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	n, err := s.Nuke(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	upload(t, s, "a.txt", "a", access.SessionPrincipal())
	upload(t, s, "b.txt", "b", access.SessionPrincipal())

	n, err = s.Nuke(ctx)
	require.NoError(t, err)
	// a, a.key (sidecar of a), a.key (listed), and the same for b.
	assert.Equal(t, 6, n)

	files, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestNukeCountsFailedDeletes(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), fail: func(k string) bool { return strings.Contains(k, "b.txt") }}
	c := &clock{t: time.Date(2025, 3, 4, 12, 0, 0, 0, time.Local)}
	s := NewService(store, WithConcurrency(2), WithClock(c.now))
	ctx := context.Background()

	upload(t, s, "a.txt", "a", access.SessionPrincipal())
	upload(t, s, "b.txt", "b", access.SessionPrincipal())
	require.NoError(t, store.Put(ctx, "files/2019-1-1/orphan.bin", strings.NewReader("o"), 1, ""))

	n, err := s.Nuke(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	assert.Equal(t, int32(8), store.deletes.Load())

	infos, err := store.List(ctx, Prefix)
	require.NoError(t, err)
	var remaining []string
	for _, i := range infos {
		remaining = append(remaining, i.Key)
	}
	assert.ElementsMatch(t, []string{
		"files/2025-3-4/b.txt",
		"files/2025-3-4/b.txt" + MetaSuffix,
	}, remaining)
}

func TestExtendExpiry(t *testing.T) {
	s, _, c := newTestService(t)
	ctx := context.Background()

	res, err := s.Upload(ctx, UploadInput{PartFilename: "a.txt", Body: strings.NewReader("a"), Size: 1, DecayDays: 1}, access.SessionPrincipal())
	require.NoError(t, err)

	c.advance(48 * time.Hour)
	_, err = s.Download(ctx, res.Location, res.Key)
	require.ErrorIs(t, err, errs.Gone)

	decay, err := s.ExtendExpiry(ctx, res.Location, 30)
	require.NoError(t, err)
	assert.WithinDuration(t, c.now().Add(30*24*time.Hour), decay, time.Second)

	meta, err := s.loadMetadata(ctx, res.Location)
	require.NoError(t, err)
	require.NotNil(t, meta.UpdatedAt)
	assert.WithinDuration(t, c.now(), *meta.UpdatedAt, time.Second)
	assert.Equal(t, res.Key, meta.Key, "capability survives expiry changes")

	d, err := s.Download(ctx, res.Location, res.Key)
	require.NoError(t, err)
	d.Body.Close()
}

func TestExtendExpiryErrors(t *testing.T) {
	s, _, _ := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		location string
		days     float64
		want     errs.Kind
	}{
		{"missing location", "", 5, errs.InvalidInput},
		{"missing decay", "files/2025-1-2/a.txt", 0, errs.InvalidInput},
		{"negative decay", "files/2025-1-2/a.txt", -3, errs.InvalidInput},
		{"outside files", "keys/keys.json", 5, errs.InvalidInput},
		{"no sidecar", "files/2025-1-2/nothing.txt", 5, errs.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ExtendExpiry(ctx, tt.location, tt.days)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestSweep(t *testing.T) {
	store := memory.NewStore()
	s := NewService(store)
	ctx := context.Background()

	kept := upload(t, s, "kept.txt", "k", access.SessionPrincipal())
	require.NoError(t, store.Put(ctx, "files/2024-1-1/old-orphan.bin", strings.NewReader("o"), 1, ""))
	require.NoError(t, store.Put(ctx, "files/2024-1-1/new-orphan.bin", strings.NewReader("n"), 1, ""))
	store.SetModTime("files/2024-1-1/old-orphan.bin", time.Now().Add(-48*time.Hour))
	store.SetModTime(kept.Location, time.Now().Add(-48*time.Hour))

	orphans, err := s.Sweep(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"files/2024-1-1/old-orphan.bin"}, orphans)
	_, err = store.Get(ctx, "files/2024-1-1/old-orphan.bin")
	require.NoError(t, err, "dry run must not delete")

	orphans, err = s.Sweep(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	assert.Len(t, orphans, 1)
	_, err = store.Get(ctx, "files/2024-1-1/old-orphan.bin")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = store.Get(ctx, "files/2024-1-1/new-orphan.bin")
	assert.NoError(t, err)
	d, err := s.Download(ctx, kept.Location, kept.Key)
	require.NoError(t, err)
	d.Body.Close()
}
