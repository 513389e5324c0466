package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/files"
)

// FileHandler implements spec.md §4.6's chunked upload session lifecycle
// and download path, wrapping internal/files.Manager.
type FileHandler struct {
	files *files.Manager
}

func NewFileHandler(f *files.Manager) *FileHandler {
	return &FileHandler{files: f}
}

type createSessionRequest struct {
	BelongsToType     string  `json:"belongs_to_type"`
	BelongsToID       *string `json:"belongs_to_id,omitempty"`
	MasterKeyID       string  `json:"master_key_id"`
	EncryptedFileKey  string  `json:"encrypted_file_key"`
	FileKeyAlg        string  `json:"file_key_alg"`
	EncryptedFileName string  `json:"encrypted_file_name"`
	ExpectedSize      int64   `json:"expected_size"`
}

// CreateSession handles POST /file (and POST /group/{group_id}/file, with
// BelongsToType/BelongsToID set by the router to "group"/group_id).
func (h *FileHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
		return
	}

	masterKeyID, err := uuid.Parse(req.MasterKeyID)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	var belongsToID *uuid.UUID
	if req.BelongsToID != nil {
		parsed, err := uuid.Parse(*req.BelongsToID)
		if err != nil {
			WriteError(w, apperr.ErrBadRequestBody)
			return
		}
		belongsToID = &parsed
	}

	file, session, err := h.files.CreateSession(r.Context(), files.CreateSessionInput{
		AppID:             appCtx.App.ID,
		OwnerUserID:       claims.UserID(),
		BelongsToType:     req.BelongsToType,
		BelongsToID:       belongsToID,
		MasterKeyID:       masterKeyID,
		EncryptedFileKey:  req.EncryptedFileKey,
		FileKeyAlg:        req.FileKeyAlg,
		EncryptedFileName: req.EncryptedFileName,
		ExpectedSize:      req.ExpectedSize,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, struct {
		File    any `json:"file"`
		Session any `json:"session"`
	}{file, session})
}

func sessionIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "session_id"))
}

func sequenceParam(r *http.Request) (int, error) {
	return strconv.Atoi(chi.URLParam(r, "seq"))
}

// AppendPart handles POST /file/part/{session_id}/{seq}/0, an intermediate
// chunk.
func (h *FileHandler) AppendPart(w http.ResponseWriter, r *http.Request) {
	h.writePart(w, r, false)
}

// FinalizePart handles POST /file/part/{session_id}/{seq}/1, the last
// chunk, which also closes out the upload session.
func (h *FileHandler) FinalizePart(w http.ResponseWriter, r *http.Request) {
	h.writePart(w, r, true)
}

func (h *FileHandler) writePart(w http.ResponseWriter, r *http.Request, end bool) {
	sessionID, err := sessionIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	sequence, err := sequenceParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	var part any
	if end {
		part, err = h.files.FinalizePart(r.Context(), sessionID, sequence, r.ContentLength, r.Body)
	} else {
		part, err = h.files.AppendPart(r.Context(), sessionID, sequence, r.ContentLength, r.Body)
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, part)
}

func fileIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "file_id"))
}

// GetFile handles GET /file/{file_id}: the file row plus its finalized
// parts, so the client knows how many chunks to fetch and in what order.
func (h *FileHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	file, parts, err := h.files.GetFile(r.Context(), fileID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, struct {
		File  any `json:"file"`
		Parts any `json:"parts"`
	}{file, parts})
}

// DownloadPart handles GET /file/part/{part_id}: streams the ciphertext
// chunk straight through, since the server cannot and does not decrypt it.
func (h *FileHandler) DownloadPart(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	fileID, err := fileIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	sequence, err := sequenceParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	rc, err := h.files.OpenPart(r.Context(), appCtx.App.ID, fileID, sequence)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

// DeleteFile handles DELETE /file/{file_id}: marks the file for async
// cleanup by internal/files.Sweeper rather than deleting synchronously.
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	fileID, err := fileIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	if err := h.files.MarkDeleted(r.Context(), fileID); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}
