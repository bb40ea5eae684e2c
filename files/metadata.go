package files

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmcleod/filedrop/storage"
)

// MetaSuffix is appended to a file's storage key to form its sidecar key.
const MetaSuffix = ".key"

// Metadata is the sidecar record stored next to every uploaded file. Its
// Key field is the capability required to download the file.
type Metadata struct {
	Key          string     `json:"key"`
	Decay        *time.Time `json:"decay,omitempty"`
	OriginalName string     `json:"originalName"`
	Uploaded     *time.Time `json:"uploaded,omitempty"`
	Size         int64      `json:"size"`
	ContentType  string     `json:"contentType"`
	UploadedBy   string     `json:"uploadedBy"`
	UploadedWith string     `json:"uploadedWith"`
	UploadedVia  string     `json:"uploadedVia"`
	UpdatedAt    *time.Time `json:"updatedAt,omitempty"`
}

// Expired reports whether the decay time has passed. Records without a
// decay never expire.
func (m Metadata) Expired(now time.Time) bool {
	return m.Decay != nil && now.After(*m.Decay)
}

func metaKey(location string) string {
	return location + MetaSuffix
}

func isMetaKey(key string) bool {
	return strings.HasSuffix(key, MetaSuffix)
}

func (s *Service) loadMetadata(ctx context.Context, location string) (Metadata, error) {
	var m Metadata
	if err := storage.GetJSON(ctx, s.store, metaKey(location), &m); err != nil {
		return Metadata{}, err
	}
	return m, nil
}

func (s *Service) saveMetadata(ctx context.Context, location string, m Metadata) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding metadata for %s: %w", location, err)
	}
	return s.store.Put(ctx, metaKey(location), bytes.NewReader(data), int64(len(data)), "application/json")
}
