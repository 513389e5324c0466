package files

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/config"
	"github.com/sentc-io/sentc/server/internal/db"
)

// sweepPageSize bounds how many to-delete files one sweeper tick drains, so
// a large backlog spreads across several ticks instead of blocking one.
const sweepPageSize = 200

// Sweeper implements spec.md §4.6's deletion sweep: find files marked
// to-delete, group by app, and either delete directly from the configured
// PartStore or forward the deletion list to the app's own external storage
// URL, depending on each app's storage backend.
type Sweeper struct {
	mgr    *Manager
	client *http.Client
	logger *zap.Logger
}

func NewSweeper(mgr *Manager, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		mgr:    mgr,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.Named("files.sweeper"),
	}
}

// Run is meant to be registered with internal/scheduler.RegisterInterval.
// It never returns an error for a single failed file — each failure is
// logged and the file is retried on the next tick, mirroring the fan-out
// worker's "still lacks a wrap" retry-by-absence pattern.
func (s *Sweeper) Run(ctx context.Context) error {
	if err := s.sweepExpiredSessions(ctx); err != nil {
		s.logger.Error("sweeper: expired sessions", zap.Error(err))
	}

	due, err := s.mgr.files.ToDeleteFiles(ctx, time.Now(), sweepPageSize)
	if err != nil {
		return fmt.Errorf("sweeper: list due files: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	byApp := map[uuid.UUID][]db.File{}
	for _, f := range due {
		byApp[f.AppID] = append(byApp[f.AppID], f)
	}

	for appID, fs := range byApp {
		s.sweepApp(ctx, appID, fs)
	}
	return nil
}

// sweepExpiredSessions discards upload sessions that outlived
// config.MaxSessionAlive without completing — the File row they belong to
// is swept through the normal to-delete path on the next create attempt,
// since an incomplete file was never marked available.
func (s *Sweeper) sweepExpiredSessions(ctx context.Context) error {
	cutoff := time.Now().Add(-config.MaxSessionAlive)
	expired, err := s.mgr.files.ExpiredSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list expired sessions: %w", err)
	}
	for _, sess := range expired {
		if err := s.mgr.files.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Error("sweeper: delete expired session", zap.String("session_id", sess.ID.String()), zap.Error(err))
			continue
		}
		if err := s.mgr.files.MarkToDelete(ctx, sess.FileID, time.Now()); err != nil {
			s.logger.Error("sweeper: mark orphaned file to-delete", zap.String("file_id", sess.FileID.String()), zap.Error(err))
		}
	}
	return nil
}

func (s *Sweeper) sweepApp(ctx context.Context, appID uuid.UUID, due []db.File) {
	opts, err := s.mgr.policy.FileOptions(ctx, appID)
	if err != nil {
		s.logger.Error("sweeper: load file options", zap.String("app_id", appID.String()), zap.Error(err))
		return
	}

	for _, f := range due {
		parts, err := s.mgr.files.PartsForFile(ctx, f.ID)
		if err != nil {
			s.logger.Error("sweeper: list parts", zap.String("file_id", f.ID.String()), zap.Error(err))
			continue
		}

		if opts.StorageBackend == "external" {
			if err := s.forwardExternal(ctx, opts, f, parts); err != nil {
				s.logger.Warn("sweeper: external forward failed, retrying next tick", zap.String("file_id", f.ID.String()), zap.Error(err))
				continue
			}
		} else {
			ids := make([]string, 0, len(parts))
			for _, p := range parts {
				ids = append(ids, partKey(f.ID, p.Sequence))
			}
			if err := s.mgr.backend.DeleteParts(ctx, appID.String(), ids); err != nil {
				s.logger.Error("sweeper: backend delete failed", zap.String("file_id", f.ID.String()), zap.Error(err))
				continue
			}
		}

		if err := s.mgr.files.DeleteFileAndParts(ctx, f.ID); err != nil {
			s.logger.Error("sweeper: delete rows", zap.String("file_id", f.ID.String()), zap.Error(err))
		}
	}
}

// externalDeletePayload is the body POSTed to an app's configured storage
// URL so it can remove the corresponding objects from its own storage.
type externalDeletePayload struct {
	FileID  string   `json:"file_id"`
	PartIDs []string `json:"part_ids"`
}

// forwardExternal mirrors the teacher's notification webhookSender shape:
// HMAC-SHA256-signed body, 10s timeout (via s.client), no retry — a failed
// delivery is logged and the file is left to-delete for the next tick.
func (s *Sweeper) forwardExternal(ctx context.Context, opts *db.AppFileOptions, f db.File, parts []db.FilePart) error {
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, partKey(f.ID, p.Sequence))
	}

	body, err := json.Marshal(externalDeletePayload{FileID: f.ID.String(), PartIDs: ids})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, opts.ExternalURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "sentc-file-sweeper/1.0")

	if key := string(opts.ExternalAuthKey); key != "" {
		mac := hmac.New(sha256.New, []byte(key))
		mac.Write(body)
		req.Header.Set("X-Sentc-Signature", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("non-2xx status %d", resp.StatusCode)
	}
	return nil
}
