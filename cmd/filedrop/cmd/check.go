package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/filedrop/files"
	"github.com/jmcleod/filedrop/keys"
	"github.com/jmcleod/filedrop/master"
	"github.com/jmcleod/filedrop/storage"
)

type checkReport struct {
	Backend   string        `json:"backend"`
	Files     int           `json:"files"`
	Expired   int           `json:"expired"`
	Valid     bool          `json:"valid"`
	Checks    []checkResult `json:"checks"`
	CheckedAt time.Time     `json:"checked_at"`
}

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "pass", "fail", "warn"
	Detail string `json:"detail,omitempty"`
}

const (
	statusPass = "pass"
	statusFail = "fail"
	statusWarn = "warn"
)

var errCheckFailed = errors.New("storage check failed")

func (r *checkReport) add(name, status, detail string) {
	if status == statusFail {
		r.Valid = false
	}
	r.Checks = append(r.Checks, checkResult{Name: name, Status: status, Detail: detail})
}

// firstFew formats up to three keys for a check detail.
func firstFew(keys []string) string {
	if len(keys) <= 3 {
		return strings.Join(keys, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(keys[:3], ", "), len(keys)-3)
}

// inspectStore verifies that stored files, their .key metadata, the API key
// registry and the master credential are consistent with each other.
func inspectStore(ctx context.Context, store storage.BlobStore, now time.Time) (checkReport, error) {
	report := checkReport{Valid: true, CheckedAt: now}

	entries, err := store.List(ctx, files.Prefix)
	if err != nil {
		return report, fmt.Errorf("listing files: %w", err)
	}
	present := make(map[string]bool, len(entries))
	for _, e := range entries {
		present[e.Key] = true
	}

	var orphans, dangling, unreadable, missingKey []string
	for _, e := range entries {
		if !strings.HasSuffix(e.Key, files.MetaSuffix) {
			report.Files++
			if !present[e.Key+files.MetaSuffix] {
				orphans = append(orphans, e.Key)
			}
			continue
		}
		location := strings.TrimSuffix(e.Key, files.MetaSuffix)
		if !present[location] {
			dangling = append(dangling, e.Key)
		}
		var meta files.Metadata
		if err := storage.GetJSON(ctx, store, e.Key, &meta); err != nil {
			unreadable = append(unreadable, e.Key)
			continue
		}
		if meta.Key == "" {
			missingKey = append(missingKey, e.Key)
		}
		if meta.Expired(now) {
			report.Expired++
		}
	}

	// 1. Every metadata record parses.
	if len(unreadable) == 0 {
		report.add("metadata_readable", statusPass, "")
	} else {
		report.add("metadata_readable", statusFail,
			fmt.Sprintf("%d unreadable: %s", len(unreadable), firstFew(unreadable)))
	}

	// 2. Every metadata record carries a capability.
	if len(missingKey) == 0 {
		report.add("capabilities_present", statusPass, "")
	} else {
		report.add("capabilities_present", statusFail,
			fmt.Sprintf("%d without a download key: %s", len(missingKey), firstFew(missingKey)))
	}

	// 3. Files without metadata. These are interrupted uploads; sweep
	// reclaims them.
	if len(orphans) == 0 {
		report.add("no_orphaned_files", statusPass, "")
	} else {
		report.add("no_orphaned_files", statusWarn,
			fmt.Sprintf("%d without metadata (run sweep): %s", len(orphans), firstFew(orphans)))
	}

	// 4. Metadata whose file is gone.
	if len(dangling) == 0 {
		report.add("no_dangling_metadata", statusPass, "")
	} else {
		report.add("no_dangling_metadata", statusWarn,
			fmt.Sprintf("%d without a file: %s", len(dangling), firstFew(dangling)))
	}

	// 5. The key registry decodes.
	var registry []keys.APIKey
	switch err := storage.GetJSON(ctx, store, keys.DocumentKey, &registry); {
	case err == nil:
		report.add("key_registry", statusPass, fmt.Sprintf("%d key(s)", len(registry)))
	case errors.Is(err, storage.ErrNotFound):
		report.add("key_registry", statusPass, "no keys issued")
	default:
		report.add("key_registry", statusFail, err.Error())
	}

	// 6. A master credential is configured.
	var rec master.Record
	switch err := storage.GetJSON(ctx, store, master.RecordKey, &rec); {
	case err == nil && rec.Hash != "":
		report.add("master_key", statusPass, "set "+rec.SetAt.Format(time.RFC3339))
	case err == nil:
		report.add("master_key", statusFail, "record has no hash")
	case errors.Is(err, storage.ErrNotFound):
		report.add("master_key", statusWarn, "not configured; /api/setup/master is open")
	default:
		report.add("master_key", statusFail, err.Error())
	}

	return report, nil
}

func printHumanReport(w io.Writer, report checkReport) {
	fmt.Fprintf(w, "Storage check: %s\n", report.Backend)
	fmt.Fprintf(w, "Files:   %d (%d expired)\n\n", report.Files, report.Expired)

	var failures, warnings int
	for _, c := range report.Checks {
		tag := "[PASS]"
		switch c.Status {
		case statusFail:
			tag = "[FAIL]"
			failures++
		case statusWarn:
			tag = "[WARN]"
			warnings++
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "%s %s: %s\n", tag, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "%s %s\n", tag, c.Name)
		}
	}

	fmt.Fprintln(w)
	if report.Valid {
		fmt.Fprintf(w, "Result: OK (%d warning(s))\n", warnings)
	} else {
		fmt.Fprintf(w, "Result: INCONSISTENT (%d error(s), %d warning(s))\n", failures, warnings)
	}
}

var checkJSONOutput bool

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check stored files and metadata for consistency",
	Long: `Reads every stored file and .key metadata record, the API key registry
and the master credential, and reports inconsistencies. Nothing is modified.
Exits non-zero when any check fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg, cmd.ErrOrStderr())

		store, closeStore, err := openStoreReadOnly(cfg, logger)
		if err != nil {
			return err
		}
		defer closeStore()

		report, err := inspectStore(cmd.Context(), store, time.Now())
		if err != nil {
			return err
		}
		report.Backend = cfg.Storage.Backend

		out := cmd.OutOrStdout()
		if checkJSONOutput {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
		} else {
			printHumanReport(out, report)
		}
		if !report.Valid {
			return errCheckFailed
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkJSONOutput, "json", false, "Output results as JSON")
}
