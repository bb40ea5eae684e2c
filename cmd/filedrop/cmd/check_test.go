package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/filedrop/access"
	"github.com/jmcleod/filedrop/files"
	"github.com/jmcleod/filedrop/internal/util"
	"github.com/jmcleod/filedrop/keys"
	"github.com/jmcleod/filedrop/master"
	"github.com/jmcleod/filedrop/storage/memory"
)

func findCheck(t *testing.T, report checkReport, name string) checkResult {
	t.Helper()
	for _, c := range report.Checks {
		if c.Name == name {
			return c
		}
	}
	t.Fatalf("check %q not reported", name)
	return checkResult{}
}

func seedStore(t *testing.T) (*memory.Store, *files.UploadResult) {
	t.Helper()
	ctx := context.Background()
	store := memory.NewStore()

	svc := files.NewService(store)
	res, err := svc.Upload(ctx, files.UploadInput{
		PartFilename: "notes.txt",
		Body:         strings.NewReader("hello"),
		Size:         5,
		ContentType:  "text/plain",
	}, access.SessionPrincipal())
	require.NoError(t, err)

	hasher := master.Argon2idHasher{Params: util.Argon2idParams{Time: 1, MemoryKiB: 64, Parallelism: 1, SaltLen: 16, KeyLen: 32}}
	_, err = master.NewManager(store, master.WithHasher(hasher)).Set(ctx, "a long master passphrase", "", nil)
	require.NoError(t, err)

	_, err = keys.NewRegistry(store).Create(ctx, nil, nil)
	require.NoError(t, err)
	return store, res
}

func TestInspect_ConsistentStore(t *testing.T) {
	store, _ := seedStore(t)

	report, err := inspectStore(context.Background(), store, time.Now())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Files)
	assert.Equal(t, 0, report.Expired)
	for _, c := range report.Checks {
		assert.Equal(t, statusPass, c.Status, c.Name)
	}
	assert.Equal(t, "1 key(s)", findCheck(t, report, "key_registry").Detail)
}

func TestInspect_CountsExpired(t *testing.T) {
	store, _ := seedStore(t)

	report, err := inspectStore(context.Background(), store, time.Now().Add(400*24*time.Hour))
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Expired)
}

func TestInspect_OrphanedFileWarns(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "files/2025-1-1/interrupted.bin", strings.NewReader("x"), 1, ""))

	report, err := inspectStore(ctx, store, time.Now())
	require.NoError(t, err)
	assert.True(t, report.Valid, "orphans are warnings")
	assert.Equal(t, 2, report.Files)
	c := findCheck(t, report, "no_orphaned_files")
	assert.Equal(t, statusWarn, c.Status)
	assert.Contains(t, c.Detail, "interrupted.bin")
}

func TestInspect_DanglingMetadataWarns(t *testing.T) {
	store, res := seedStore(t)
	ctx := context.Background()
	require.NoError(t, store.Delete(ctx, res.Location))

	report, err := inspectStore(ctx, store, time.Now())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, statusWarn, findCheck(t, report, "no_dangling_metadata").Status)
}

func TestInspect_CorruptMetadataFails(t *testing.T) {
	store, res := seedStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, res.Location+files.MetaSuffix, strings.NewReader("{not json"), 9, ""))

	report, err := inspectStore(ctx, store, time.Now())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "metadata_readable").Status)
}

func TestInspect_MissingCapabilityFails(t *testing.T) {
	store, res := seedStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, res.Location+files.MetaSuffix, strings.NewReader(`{"originalName":"notes.txt"}`), 28, ""))

	report, err := inspectStore(ctx, store, time.Now())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "capabilities_present").Status)
}

func TestInspect_EmptyStore(t *testing.T) {
	report, err := inspectStore(context.Background(), memory.NewStore(), time.Now())
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, "no keys issued", findCheck(t, report, "key_registry").Detail)
	assert.Equal(t, statusWarn, findCheck(t, report, "master_key").Status)
}

func TestInspect_CorruptRegistryFails(t *testing.T) {
	store, _ := seedStore(t)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, keys.DocumentKey, strings.NewReader("[oops"), 5, ""))

	report, err := inspectStore(ctx, store, time.Now())
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, statusFail, findCheck(t, report, "key_registry").Status)
}

func TestPrintHumanReport(t *testing.T) {
	report := checkReport{Backend: "memory", Files: 2, Expired: 1, Valid: true}
	report.add("metadata_readable", statusPass, "")
	report.add("no_orphaned_files", statusWarn, "1 without metadata (run sweep): files/a")

	var buf bytes.Buffer
	printHumanReport(&buf, report)
	out := buf.String()
	assert.Contains(t, out, "Storage check: memory")
	assert.Contains(t, out, "[PASS] metadata_readable\n")
	assert.Contains(t, out, "[WARN] no_orphaned_files: 1 without metadata")
	assert.Contains(t, out, "Result: OK (1 warning(s))")

	report.add("master_key", statusFail, "record has no hash")
	buf.Reset()
	printHumanReport(&buf, report)
	assert.Contains(t, buf.String(), "Result: INCONSISTENT (1 error(s), 1 warning(s))")
}

func TestFirstFew(t *testing.T) {
	assert.Equal(t, "a, b", firstFew([]string{"a", "b"}))
	assert.Equal(t, "a, b, c and 2 more", firstFew([]string{"a", "b", "c", "d", "e"}))
}
