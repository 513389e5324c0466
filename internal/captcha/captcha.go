// Package captcha implements spec.md §4.6's one-shot captcha: generate a
// PNG image plus a server-held solution, then validate exactly once — the
// row is deleted on validate regardless of outcome (law L4).
//
// Image rendering is grounded on github.com/dchest/captcha's digit-image
// renderer (surfaced in the retrieval pack's YaoApp-yao go.mod), used only
// for its `NewImage`/`RandomDigits` rendering primitives — this package
// owns persistence and expiry itself rather than delegating to that
// library's built-in in-memory store, since the solution must live in
// internal/store alongside every other entity.
package captcha

import (
	"bytes"
	"context"
	"fmt"
	"time"

	dchestcaptcha "github.com/dchest/captcha"
	"github.com/google/uuid"

	"github.com/sentc-io/sentc/server/internal/apperr"
	"github.com/sentc-io/sentc/server/internal/config"
	"github.com/sentc-io/sentc/server/internal/db"
	"github.com/sentc-io/sentc/server/internal/store"
)

const (
	solutionLength = 6
	imageWidth     = 240
	imageHeight    = 80
)

// Store wraps store.CaptchaStore with image generation and the
// create/validate lifecycle.
type Store struct {
	captchas *store.CaptchaStore
}

func New(captchas *store.CaptchaStore) *Store {
	return &Store{captchas: captchas}
}

// Created is the response to a create call: the opaque id the client must
// echo back on validate, and the rendered PNG bytes.
type Created struct {
	ID    uuid.UUID
	Image []byte
}

// Create generates a random digit solution, renders it to a PNG, and
// persists the solution keyed by a fresh row id.
func (s *Store) Create(ctx context.Context, appID uuid.UUID) (*Created, error) {
	digits := dchestcaptcha.RandomDigits(solutionLength)
	solution := digitsToString(digits)

	c := &db.Captcha{AppID: appID, Solution: solution}
	if err := s.captchas.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("captcha: create: %w", err)
	}

	img := dchestcaptcha.NewImage(c.ID.String(), digits, imageWidth, imageHeight)
	var buf bytes.Buffer
	if _, err := img.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("captcha: render image: %w", apperr.ErrCaptchaCreate)
	}

	return &Created{ID: c.ID, Image: buf.Bytes()}, nil
}

// Validate consumes the captcha row (deleted regardless of outcome) and
// reports whether solution matches what was generated, per spec.md §4.6's
// 20-minute expiry window.
func (s *Store) Validate(ctx context.Context, id uuid.UUID, solution string) (bool, error) {
	c, err := s.captchas.ConsumeByID(ctx, id)
	if err != nil {
		if err == store.ErrNotFound {
			return false, apperr.ErrCaptchaNotFound
		}
		return false, fmt.Errorf("captcha: validate: %w", err)
	}

	if time.Since(c.CreatedAt) > config.CaptchaTTL {
		return false, apperr.ErrCaptchaTooOld
	}

	return c.Solution == solution, nil
}

func digitsToString(digits []byte) string {
	s := make([]byte, len(digits))
	for i, d := range digits {
		s[i] = '0' + d
	}
	return string(s)
}
