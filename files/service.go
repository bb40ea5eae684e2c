// Package files implements the lifecycle of uploaded files: upload, list,
// capability-checked download, delete, bulk delete, expiry extension and
// orphan sweeping.
//
// Every file is two objects in the blob store: the blob itself and a JSON
// sidecar (see Metadata). A blob without a sidecar is never listed as
// accessible and can never be downloaded.
package files

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/sync/errgroup"

	"github.com/jmcleod/filedrop/access"
	"github.com/jmcleod/filedrop/internal/errs"
	"github.com/jmcleod/filedrop/internal/util"
	"github.com/jmcleod/filedrop/storage"
)

// genericContentType is what clients send when they do not know the type.
const genericContentType = "application/octet-stream"

const (
	// Prefix is the storage prefix every uploaded file lives under.
	Prefix = "files/"

	// DefaultDecayDays is the expiry window applied when the uploader does
	// not choose one.
	DefaultDecayDays = 365

	// MaxDecayDays bounds caller-supplied expiry windows.
	MaxDecayDays = 100000

	defaultConcurrency = 8
	capabilityBytes    = 16
	legacyCapability   = "unknown"
)

// Service runs file operations against a blob store.
type Service struct {
	store       storage.BlobStore
	logger      *slog.Logger
	now         func() time.Time
	publicURL   string
	decayDays   float64
	concurrency int
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithPublicURL sets the origin prefixed to generated download links. An
// empty value yields host-relative links.
func WithPublicURL(u string) Option {
	return func(s *Service) { s.publicURL = strings.TrimRight(u, "/") }
}

func WithDefaultDecayDays(days float64) Option {
	return func(s *Service) {
		if days > 0 {
			s.decayDays = days
		}
	}
}

// WithConcurrency bounds the number of store calls List, Nuke and Sweep
// issue in parallel.
func WithConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store storage.BlobStore, opts ...Option) *Service {
	s := &Service{
		store:       store,
		now:         time.Now,
		decayDays:   DefaultDecayDays,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// UploadInput is one file to store.
type UploadInput struct {
	// Filename overrides PartFilename when set.
	Filename     string
	PartFilename string
	Body         io.Reader
	// Size is the body length, or -1 when unknown.
	Size        int64
	ContentType string
	// DecayDays is the expiry window; zero selects the default.
	DecayDays float64
}

// UploadResult describes a stored file and how to fetch it.
type UploadResult struct {
	OK       bool      `json:"ok"`
	Location string    `json:"location"`
	Key      string    `json:"key"`
	Decay    time.Time `json:"decay"`
	Download string    `json:"download"`
	Filename string    `json:"filename"`
}

// Summary is one entry of List.
type Summary struct {
	Location     string     `json:"location"`
	Filename     string     `json:"filename"`
	Uploaded     *time.Time `json:"uploaded"`
	Decay        *time.Time `json:"decay"`
	Size         int64      `json:"size"`
	ContentType  *string    `json:"contentType"`
	UploadedBy   string     `json:"uploadedBy"`
	UploadedWith string     `json:"uploadedWith"`
	UploadedVia  string     `json:"uploadedVia"`
	IsExpired    bool       `json:"isExpired"`
	DownloadURL  string     `json:"downloadUrl"`
}

// Download is an open file ready to stream. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	ContentType string
	Filename    string
	// Size is zero when unknown.
	Size int64
	// UploadedVia names the API key the file was uploaded with; empty for
	// web uploads.
	UploadedVia string
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Millisecond)
}

func decayAfter(from time.Time, days float64) time.Time {
	return from.Add(time.Duration(days * float64(24*time.Hour)))
}

// DownloadPath returns the host-relative download link for a file.
func DownloadPath(location, capability string) string {
	return "/api/files/" + url.PathEscape(location) + "?key=" + url.QueryEscape(capability)
}

// StorageKey returns the key a file named name uploaded at t is stored
// under. Month and day are not zero padded.
func StorageKey(t time.Time, name string) string {
	return fmt.Sprintf("%s%d-%d-%d/%s", Prefix, t.Year(), int(t.Month()), t.Day(), name)
}

// SanitizeName strips directory components from name and rejects names that
// would collide with the sidecar convention.
func SanitizeName(name string) (string, error) {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		name = "file"
	}
	if isMetaKey(name) {
		return "", errs.New(errs.InvalidInput, "filename may not end in "+MetaSuffix)
	}
	return name, nil
}

func validDecayDays(days float64) bool {
	return days > 0 && days <= MaxDecayDays
}

// Upload stores in.Body and its sidecar on behalf of p.
func (s *Service) Upload(ctx context.Context, in UploadInput, p access.Principal) (*UploadResult, error) {
	if in.Body == nil {
		return nil, errs.New(errs.InvalidInput, "no file provided")
	}
	raw := in.Filename
	if raw == "" {
		raw = in.PartFilename
	}
	name, err := SanitizeName(raw)
	if err != nil {
		return nil, err
	}
	days := s.decayDays
	if in.DecayDays != 0 {
		if !validDecayDays(in.DecayDays) {
			return nil, errs.New(errs.InvalidInput, "invalid decay")
		}
		days = in.DecayDays
	}

	body, contentType, err := sniffContentType(in.Body, in.ContentType)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to upload file", err)
	}
	var counter *countingReader
	if in.Size < 0 {
		counter = &countingReader{r: body}
		body = counter
	}

	capability, err := util.RandomHex(capabilityBytes)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to upload file", err)
	}
	local := s.now()
	uploaded := local.UTC().Truncate(time.Millisecond)
	decay := decayAfter(uploaded, days)
	location := StorageKey(local, name)

	if err := s.store.Put(ctx, location, body, in.Size, contentType); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to upload file", err)
	}
	size := in.Size
	if counter != nil {
		size = counter.n
	}

	meta := Metadata{
		Key:          capability,
		Decay:        &decay,
		OriginalName: name,
		Uploaded:     &uploaded,
		Size:         size,
		ContentType:  contentType,
		UploadedBy:   string(p.Type),
		UploadedWith: p.KeyName,
		UploadedVia:  p.KeyID,
	}
	if meta.UploadedWith == "" {
		meta.UploadedWith = access.WebInterface
	}
	if meta.UploadedVia == "" {
		meta.UploadedVia = string(access.PrincipalSession)
	}
	if err := s.saveMetadata(ctx, location, meta); err != nil {
		// The blob stays behind without a sidecar; sweep reclaims it.
		return nil, errs.Wrap(errs.Internal, "failed to upload file", err)
	}

	s.logger.Info("file uploaded",
		slog.String("location", location),
		slog.Int64("size", size),
		slog.String("uploaded_by", meta.UploadedBy),
		slog.String("uploaded_with", meta.UploadedWith))

	return &UploadResult{
		OK:       true,
		Location: location,
		Key:      capability,
		Decay:    decay,
		Download: s.publicURL + DownloadPath(location, capability),
		Filename: name,
	}, nil
}

// sniffContentType returns declared when it is specific, otherwise detects
// the type from the leading bytes of body. The returned reader yields the
// full body.
func sniffContentType(body io.Reader, declared string) (io.Reader, string, error) {
	if declared != "" && declared != genericContentType {
		return body, declared, nil
	}
	if rs, ok := body.(io.ReadSeeker); ok {
		mt, err := mimetype.DetectReader(rs)
		if err != nil {
			return nil, "", fmt.Errorf("detecting content type: %w", err)
		}
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, "", fmt.Errorf("rewinding body: %w", err)
		}
		return rs, mt.String(), nil
	}
	head := make([]byte, 3072)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	head = head[:n]
	return io.MultiReader(bytes.NewReader(head), body), mimetype.Detect(head).String(), nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// List returns a summary of every file, in storage key order. Files whose
// sidecar cannot be read are reported as expired legacy entries.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	entries, err := s.store.List(ctx, Prefix)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list files", err)
	}

	var blobs []storage.ObjectInfo
	for _, e := range entries {
		if e.Key != "" && !isMetaKey(e.Key) {
			blobs = append(blobs, e)
		}
	}

	out := make([]Summary, len(blobs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	now := s.now()
	for i, e := range blobs {
		g.Go(func() error {
			out[i] = s.summarize(ctx, e, now)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

func (s *Service) summarize(ctx context.Context, e storage.ObjectInfo, now time.Time) Summary {
	meta, err := s.loadMetadata(ctx, e.Key)
	if err != nil {
		s.logger.Debug("metadata unavailable", slog.String("location", e.Key), slog.Any("error", err))
		return Summary{
			Location:     e.Key,
			Filename:     baseName(e.Key, "unknown"),
			Size:         e.Size,
			UploadedBy:   "legacy",
			UploadedWith: "unknown",
			UploadedVia:  "unknown",
			IsExpired:    true,
			DownloadURL:  s.publicURL + DownloadPath(e.Key, legacyCapability),
		}
	}

	sum := Summary{
		Location:     e.Key,
		Filename:     meta.OriginalName,
		Uploaded:     meta.Uploaded,
		Decay:        meta.Decay,
		Size:         meta.Size,
		UploadedBy:   orUnknown(meta.UploadedBy),
		UploadedWith: orUnknown(meta.UploadedWith),
		UploadedVia:  orUnknown(meta.UploadedVia),
		IsExpired:    meta.Decay != nil && meta.Decay.Before(now),
		DownloadURL:  s.publicURL + DownloadPath(e.Key, meta.Key),
	}
	if sum.Filename == "" {
		sum.Filename = baseName(e.Key, "unknown")
	}
	if sum.Size == 0 {
		sum.Size = e.Size
	}
	if meta.ContentType != "" {
		ct := meta.ContentType
		sum.ContentType = &ct
	}
	return sum
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

func baseName(key, fallback string) string {
	if i := strings.LastIndex(key, "/"); i >= 0 {
		key = key[i+1:]
	}
	if key == "" {
		return fallback
	}
	return key
}

// Download opens location after checking capability and expiry.
func (s *Service) Download(ctx context.Context, location, capability string) (*Download, error) {
	if capability == "" {
		return nil, errs.New(errs.Unauthenticated, "missing key")
	}
	meta, err := s.loadMetadata(ctx, location)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "file not found", err)
	}
	if subtle.ConstantTimeCompare([]byte(capability), []byte(meta.Key)) != 1 {
		return nil, errs.New(errs.Forbidden, "invalid download key")
	}
	if meta.Expired(s.now()) {
		return nil, errs.New(errs.Gone, "file link expired")
	}

	obj, err := s.store.Get(ctx, location)
	if err != nil {
		return nil, errs.Wrap(errs.NotFound, "file not found", err)
	}

	d := &Download{
		Body:        obj.Body,
		ContentType: meta.ContentType,
		Filename:    meta.OriginalName,
		Size:        meta.Size,
	}
	if d.ContentType == "" {
		d.ContentType = obj.ContentType
	}
	if d.ContentType == "" {
		d.ContentType = genericContentType
	}
	if d.Filename == "" {
		d.Filename = baseName(location, "download")
	}
	if d.Size == 0 {
		d.Size = obj.Size
	}
	if meta.UploadedWith != "" && meta.UploadedWith != access.WebInterface {
		d.UploadedVia = meta.UploadedWith
	}
	return d, nil
}

func requireFileLocation(location string) error {
	if location == "" {
		return errs.New(errs.InvalidInput, "missing location")
	}
	if !strings.HasPrefix(location, Prefix) {
		return errs.New(errs.InvalidInput, "location must be under "+Prefix)
	}
	return nil
}

// Delete removes a file and its sidecar. Deleting a file that does not
// exist succeeds.
func (s *Service) Delete(ctx context.Context, location string) error {
	if err := requireFileLocation(location); err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.store.Delete(gctx, location) })
	g.Go(func() error { return s.store.Delete(gctx, metaKey(location)) })
	if err := g.Wait(); err != nil {
		return errs.Wrap(errs.Internal, "failed to delete file", err)
	}
	s.logger.Info("file deleted", slog.String("location", location))
	return nil
}

// Nuke deletes every file and sidecar. Individual failures are logged and
// ignored; the result is the number of deletions attempted.
func (s *Service) Nuke(ctx context.Context) (int, error) {
	entries, err := s.store.List(ctx, Prefix)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, "failed to list files", err)
	}

	var targets []string
	for _, e := range entries {
		if e.Key == "" {
			continue
		}
		targets = append(targets, e.Key)
		if !isMetaKey(e.Key) {
			targets = append(targets, metaKey(e.Key))
		}
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, key := range targets {
		g.Go(func() error {
			if err := s.store.Delete(ctx, key); err != nil {
				s.logger.Warn("nuke: delete failed", slog.String("key", key), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("all files deleted", slog.Int("attempted", len(targets)))
	return len(targets), nil
}

// ExtendExpiry moves a file's decay to days from now.
func (s *Service) ExtendExpiry(ctx context.Context, location string, days float64) (time.Time, error) {
	if location == "" || days == 0 {
		return time.Time{}, errs.New(errs.InvalidInput, "missing location or decay")
	}
	if err := requireFileLocation(location); err != nil {
		return time.Time{}, err
	}
	if !validDecayDays(days) {
		return time.Time{}, errs.New(errs.InvalidInput, "invalid decay")
	}
	meta, err := s.loadMetadata(ctx, location)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.NotFound, "file not found", err)
	}

	now := s.timestamp()
	decay := decayAfter(now, days)
	meta.Decay = &decay
	meta.UpdatedAt = &now
	if err := s.saveMetadata(ctx, location, meta); err != nil {
		return time.Time{}, errs.Wrap(errs.Internal, "failed to update expiry", err)
	}
	s.logger.Info("file expiry updated", slog.String("location", location), slog.Time("decay", decay))
	return decay, nil
}

// Sweep finds blobs that have no sidecar and were last modified more than
// grace ago, and deletes them unless dryRun is set. It returns the orphaned
// keys.
func (s *Service) Sweep(ctx context.Context, grace time.Duration, dryRun bool) ([]string, error) {
	entries, err := s.store.List(ctx, Prefix)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to list files", err)
	}

	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Key] = true
	}
	cutoff := s.now().Add(-grace)
	var orphans []string
	for _, e := range entries {
		if isMetaKey(e.Key) || present[metaKey(e.Key)] {
			continue
		}
		if e.LastModified.After(cutoff) {
			continue
		}
		orphans = append(orphans, e.Key)
	}
	if dryRun || len(orphans) == 0 {
		return orphans, nil
	}

	var g errgroup.Group
	g.SetLimit(s.concurrency)
	failures := make([]error, len(orphans))
	for i, key := range orphans {
		g.Go(func() error {
			failures[i] = s.store.Delete(ctx, key)
			return nil
		})
	}
	_ = g.Wait()
	if err := errors.Join(failures...); err != nil {
		return orphans, errs.Wrap(errs.Internal, "failed to delete orphaned files", err)
	}
	s.logger.Info("orphaned files swept", slog.Int("count", len(orphans)))
	return orphans, nil
}
