package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ledgerline/ledgerline/internal/importer"
	"github.com/ledgerline/ledgerline/internal/logging"
	"github.com/ledgerline/ledgerline/internal/store"
)

// handleImport accepts a multipart upload and runs the import pipeline.
//
// Form fields:
//
//	file            the CSV or XLSX upload (required)
//	skip_duplicates "true"/"false", default true
//	validate_only   "true"/"false", default false
//
// Responses: 200 with the import result; 400 for whole-input rejections;
// 413 when the upload exceeds the size ceiling; 500 with the failed-session
// result when the commit faulted.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	maxSize := s.cfg.Import.MaxFileSize
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+4096) // multipart overhead

	if err := r.ParseMultipartForm(maxSize); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "file exceeds size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "no file provided")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to read file")
		return
	}

	opts := importer.DefaultOptions()
	if v := r.FormValue("skip_duplicates"); v != "" {
		opts.SkipDuplicates = parseBool(v, true)
	}
	if v := r.FormValue("validate_only"); v != "" {
		opts.ValidateOnly = parseBool(v, false)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Import.Timeout)
	defer cancel()

	result, err := s.svc.Import(ctx, header.Filename, data, opts)
	if err != nil {
		switch {
		case errors.Is(err, importer.ErrFileTooLarge):
			writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
		case importer.IsFormatError(err):
			writeError(w, r, http.StatusBadRequest, err.Error())
		case result != nil:
			// Commit fault: the session is failed, nothing was saved; the
			// result body carries the provenance the caller needs.
			logging.FromContext(r.Context()).Error("import failed",
				"filename", header.Filename, "error", err)
			writeJSON(w, http.StatusInternalServerError, result)
		default:
			writeError(w, r, http.StatusInternalServerError, "import failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	sessions, err := s.svc.ListSessions(r.Context(), limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid session id")
		return
	}

	sess, err := s.svc.GetSession(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	txs, err := s.svc.ListTransactions(r.Context(), limit, offset)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

func (s *Server) handleDeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "transactionID"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid transaction id")
		return
	}

	n, err := s.svc.DeleteTransaction(r.Context(), id)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "failed to delete transaction")
		return
	}
	if n == 0 {
		writeError(w, r, http.StatusNotFound, "transaction not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
