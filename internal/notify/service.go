package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service is the single entry point for operational alerts — there is no
// per-tenant notification feed (spec.md never gives the server a plaintext
// address for an app's users), only the operator-configured AlertEmail.
type Service struct {
	mailer *Mailer
	to     []string
	logger *zap.Logger
}

func NewService(mailer *Mailer, alertEmail string, logger *zap.Logger) *Service {
	var to []string
	if alertEmail != "" {
		to = []string{alertEmail}
	}
	return &Service{mailer: mailer, to: to, logger: logger.Named("notify")}
}

// NotifyForcedLogin alerts the operator every time the app-secret-token
// forced-login bypass is used, mirroring spec.md §4.3's audit requirement.
// Delivery is best-effort: a send failure is logged, not returned, so it
// never blocks the login response that triggered it.
func (s *Service) NotifyForcedLogin(appID uuid.UUID, deviceIdentifier string, targetUserID uuid.UUID) {
	subject := "forced login used"
	body := fmt.Sprintf(
		"app %s minted a token for device %q (user %s) via the forced-login bypass at %s.",
		appID, deviceIdentifier, targetUserID, time.Now().UTC().Format(time.RFC3339),
	)
	if err := s.mailer.Send(s.to, subject, body); err != nil {
		s.logger.Warn("forced-login alert delivery failed", zap.String("app_id", appID.String()), zap.Error(err))
	}
}

// NotifyRotationFanOutFailed alerts the operator when a key-rotation
// background fan-out run exits with an unrecoverable error.
func (s *Service) NotifyRotationFanOutFailed(groupKeyID uuid.UUID, cause error) {
	subject := "key rotation fan-out failed"
	body := fmt.Sprintf("group key %s fan-out failed at %s: %s", groupKeyID, time.Now().UTC().Format(time.RFC3339), cause)
	if err := s.mailer.Send(s.to, subject, body); err != nil {
		s.logger.Warn("rotation-failure alert delivery failed", zap.String("group_key_id", groupKeyID.String()), zap.Error(err))
	}
}
