package notify

import (
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sentc-io/sentc/server/internal/config"
)

func TestNotifyForcedLoginIsBestEffort(t *testing.T) {
	svc := NewService(NewMailer(config.Config{}), "", zap.NewNop())
	svc.NotifyForcedLogin(uuid.Must(uuid.NewV7()), "device-1", uuid.Must(uuid.NewV7()))
}

func TestNotifyRotationFanOutFailedIsBestEffort(t *testing.T) {
	svc := NewService(NewMailer(config.Config{}), "", zap.NewNop())
	svc.NotifyRotationFanOutFailed(uuid.Must(uuid.NewV7()), errTest)
}

var errTest = &testErr{"boom"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }
