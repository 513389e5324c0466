package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/content"
)

func parseLimit(raw string) (int, error) {
	return strconv.Atoi(raw)
}

// ContentHandler implements spec.md §4.6's opaque content items and the
// searchable-index create/query pair, wrapping internal/content.Store.
type ContentHandler struct {
	content *content.Store
}

func NewContentHandler(c *content.Store) *ContentHandler {
	return &ContentHandler{content: c}
}

func itemIDParam(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, "item_id"))
}

type createItemRequest struct {
	ItemRef       string   `json:"item_ref"`
	BelongsToType string   `json:"belongs_to_type"`
	BelongsToID   *string  `json:"belongs_to_id,omitempty"`
	Categories    []string `json:"categories,omitempty"`
}

// CreateItem handles POST /content.
func (h *ContentHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req createItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, apperr.ErrJWTValidation)
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

	item, err := h.content.CreateItem(r.Context(), content.CreateItemInput{
		AppID:         appCtx.App.ID,
		ItemRef:       req.ItemRef,
		CreatorUserID: claims.UserID(),
		BelongsToType: req.BelongsToType,
		BelongsToID:   belongsToID,
		Categories:    req.Categories,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, item)
}

// GetItem handles GET /content/{item_id}.
func (h *ContentHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := itemIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	item, err := h.content.GetItem(r.Context(), itemID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, item)
}

// DeleteItem handles DELETE /content/{item_id}.
func (h *ContentHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	itemID, err := itemIDParam(r)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}
	if err := h.content.DeleteItem(r.Context(), itemID); err != nil {
		WriteError(w, err)
		return
	}
	NoContent(w)
}

type createSearchableRequest struct {
	ItemRef   string   `json:"item_ref"`
	WrapKeyID string   `json:"wrap_key_id"`
	Alg       string   `json:"alg"`
	Category  string   `json:"category,omitempty"`
	Hashes    []string `json:"hashes"`
}

// CreateSearchable handles POST /content/searchable.
func (h *ContentHandler) CreateSearchable(w http.ResponseWriter, r *http.Request) {
	var req createSearchableRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	appCtx, _ := FromContext(r.Context())

	wrapKeyID, err := uuid.Parse(req.WrapKeyID)
	if err != nil {
		WriteError(w, apperr.ErrBadRequestBody)
		return
	}

	item, err := h.content.CreateSearchable(r.Context(), content.CreateSearchableInput{
		AppID:     appCtx.App.ID,
		ItemRef:   req.ItemRef,
		WrapKeyID: wrapKeyID,
		Alg:       req.Alg,
		Category:  req.Category,
		Hashes:    req.Hashes,
	})
	if err != nil {
		WriteError(w, err)
		return
	}
	Created(w, item)
}

// SearchPage handles GET /content/search?hash=...&category=...&cursor_time=...&cursor_id=...&limit=....
func (h *ContentHandler) SearchPage(w http.ResponseWriter, r *http.Request) {
	appCtx, _ := FromContext(r.Context())
	q := r.URL.Query()

	hash := q.Get("hash")
	category := q.Get("category")

	var cursorTime time.Time
	if raw := q.Get("cursor_time"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			WriteError(w, apperr.ErrBadTimeFormat)
			return
		}
		cursorTime = parsed
	}
	var cursorID uuid.UUID
	if raw := q.Get("cursor_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			WriteError(w, apperr.ErrBadRequestBody)
			return
		}
		cursorID = parsed
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		parsedLimit, err := parseLimit(raw)
		if err != nil {
			WriteError(w, apperr.ErrBadRequestBody)
			return
		}
		limit = parsedLimit
	}

	items, err := h.content.SearchPage(r.Context(), appCtx.App.ID, hash, category, cursorTime, cursorID, limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, items)
}
