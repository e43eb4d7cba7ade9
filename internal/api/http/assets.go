package http

import (
	"io"
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mind-engage/mindengage-cbt/internal/rbac"
	"github.com/mind-engage/mindengage-cbt/internal/storage"
)

const maxUpload = 8 << 20

// UploadImageHandler stores a question image (multipart field "file") and
// returns the key to use as image_ref.
func UploadImageHandler(bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		f, hdr, err := r.FormFile("file")
		if err != nil {
			badRequest(w, "file required")
			return
		}
		defer f.Close()

		key, err := bs.Put(r.Context(), storage.ImageKey(path.Ext(hdr.Filename)), f)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"key": key})
	}
}

// GetAssetHandler returns the blob at whatever follows /assets/. Webcam
// snapshots are only served to roles that may view results.
func GetAssetHandler(bs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
		if strings.HasPrefix(key, "snapshots/") && !rbac.Allowed(rbac.RoleFromContext(r.Context()), "results:view") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		rc, err := bs.Get(r.Context(), key)
		if err != nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		defer rc.Close()
		ct := mime.TypeByExtension(path.Ext(key))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		_, _ = io.Copy(w, rc)
	}
}
