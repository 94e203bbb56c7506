package www

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/OChRA-lab/ochra-sub000/protocol"
)

// apiPutData streams the "file" part of a multipart upload into the result's
// payload storage.
func (h *Handlers) apiPutData(w http.ResponseWriter, r *http.Request) {
	if !requireCollection(w, r, protocol.CollectionOperationResults) {
		return
	}
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, protocol.Wrap(protocol.KindConstruction, err, "expected multipart upload"))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			writeError(w, protocol.Errorf(protocol.KindConstruction, "upload has no file part"))
			return
		}
		if err != nil {
			writeError(w, protocol.Wrap(protocol.KindConstruction, err, "read upload"))
			return
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		err = h.svc.PutData(r.Context(), chi.URLParam(r, "id"), part)
		part.Close()
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok"})
		return
	}
}

func (h *Handlers) apiGetData(w http.ResponseWriter, r *http.Request) {
	if !requireCollection(w, r, protocol.CollectionOperationResults) {
		return
	}
	id := chi.URLParam(r, "id")
	path, cleanup, err := h.svc.GetData(r.Context(), id)
	defer cleanup()
	if err != nil {
		writeError(w, err)
		return
	}
	name, err := h.svc.DataFileName(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeError(w, protocol.Wrap(protocol.KindStore, err, "open payload"))
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	io.Copy(w, f)
}
