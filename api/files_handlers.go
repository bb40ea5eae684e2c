package api

import (
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jmcleod/filedrop/files"
	"github.com/jmcleod/filedrop/internal/errs"
)

// multipartMemory is how much of an upload is held in memory before the
// remainder spills to a temporary file.
const multipartMemory = 32 << 20

// UploadFile stores the multipart "file" field. Optional form fields are
// "filename", overriding the part's own name, and "decay" in days.
func (a *API) UploadFile(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	var decay float64
	if raw := r.FormValue("decay"); raw != "" {
		decay, err = strconv.ParseFloat(raw, 64)
		if err != nil || decay <= 0 {
			writeError(w, http.StatusBadRequest, "invalid decay")
			return
		}
	}

	res, err := a.files.Upload(r.Context(), files.UploadInput{
		Filename:     r.FormValue("filename"),
		PartFilename: header.Filename,
		Body:         file,
		Size:         header.Size,
		ContentType:  header.Header.Get("Content-Type"),
		DecayDays:    decay,
	}, p)
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	a.audit.logPrincipal(AuditFileUploaded, r, p,
		slog.String("location", res.Location),
		slog.Int64("size", header.Size))
	writeJSON(w, http.StatusOK, res)
}

// ListFiles returns every stored file. limit and offset select a page.
func (a *API) ListFiles(w http.ResponseWriter, r *http.Request) {
	summaries, err := a.files.List(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}

	resp := ListFilesResponse{Files: summaries}
	q := r.URL.Query()
	if q.Has("limit") || q.Has("offset") {
		limit, offset := parsePagination(r)
		start, end, meta := paginateSlice(len(summaries), limit, offset)
		resp.Files = summaries[start:end]
		resp.Pagination = &meta
	}
	if resp.Files == nil {
		resp.Files = []files.Summary{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownloadFile streams a file to anyone holding its capability key. The
// location may be path-escaped into a single segment.
func (a *API) DownloadFile(w http.ResponseWriter, r *http.Request) {
	location := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		if unescaped, err := url.PathUnescape(location); err == nil {
			location = unescaped
		}
	}

	d, err := a.files.Download(r.Context(), location, r.URL.Query().Get("key"))
	if err != nil {
		switch errs.KindOf(err) {
		case errs.Forbidden, errs.Gone:
			a.audit.logFailure(AuditDownloadDenied, r, errs.Message(err), slog.String("location", location))
		}
		a.mapError(w, r, err)
		return
	}
	defer d.Body.Close()

	h := w.Header()
	h.Set("Content-Type", d.ContentType)
	disposition := mime.FormatMediaType("inline", map[string]string{"filename": d.Filename})
	if disposition == "" {
		disposition = "inline"
	}
	h.Set("Content-Disposition", disposition)
	if d.UploadedVia != "" {
		h.Set("X-Uploaded-Via", d.UploadedVia)
	}
	if d.Size > 0 {
		h.Set("Content-Length", strconv.FormatInt(d.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, d.Body); err != nil {
		a.logger.DebugContext(r.Context(), "download interrupted",
			slog.String("location", location), slog.Any("error", err))
	}
}

// DeleteFile removes a file and its metadata.
func (a *API) DeleteFile(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[LocationRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	if req.Location == "" {
		writeError(w, http.StatusBadRequest, "location required")
		return
	}
	if err := a.files.Delete(r.Context(), req.Location); err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logPrincipal(AuditFileDeleted, r, principalFromContext(r.Context()),
		slog.String("location", req.Location))
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}

// NukeFiles deletes every stored file.
func (a *API) NukeFiles(w http.ResponseWriter, r *http.Request) {
	n, err := a.files.Nuke(r.Context())
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logPrincipal(AuditFilesNuked, r, principalFromContext(r.Context()),
		slog.Int("attempted", n))
	writeJSON(w, http.StatusOK, NukeResponse{OK: true, Deleted: n})
}

// UpdateExpiry moves a file's decay to the requested number of days from
// now.
func (a *API) UpdateExpiry(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeJSON[UpdateExpiryRequest](w, r, maxJSONBodySize)
	if !ok {
		return
	}
	decay, err := a.files.ExtendExpiry(r.Context(), req.Location, req.Decay)
	if err != nil {
		a.mapError(w, r, err)
		return
	}
	a.audit.logPrincipal(AuditExpiryUpdated, r, principalFromContext(r.Context()),
		slog.String("location", req.Location),
		slog.Time("decay", decay))
	writeJSON(w, http.StatusOK, OKResponse{OK: true})
}
