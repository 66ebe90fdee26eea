package workflow

import (
	"testing"
	"time"

	"github.com/comedorsoft/pantry_backend/models"
)

func priorKey(status models.IdempotencyStatus, age time.Duration, now time.Time) *models.IdempotencyKey {
	return &models.IdempotencyKey{Status: status, UpdatedAt: now.Add(-age)}
}

func TestResolvePriorKey_SucceededReplaysStoredResult(t *testing.T) {
	now := time.Now()
	got := resolvePriorKey(priorKey(models.IdempotencyStatusSucceeded, time.Hour, now), now)
	if got != idempotencyReplay {
		t.Errorf("decision = %v, want replay", got)
	}
}

func TestResolvePriorKey_FreshStartedIsBusy(t *testing.T) {
	now := time.Now()
	got := resolvePriorKey(priorKey(models.IdempotencyStatusStarted, time.Second, now), now)
	if got != idempotencyBusy {
		t.Errorf("decision = %v, want busy", got)
	}
}

func TestResolvePriorKey_StaleStartedIsRetried(t *testing.T) {
	// A STARTED row older than the stale window means the previous attempt
	// died mid-flight; the key is reused rather than reporting a conflict.
	now := time.Now()
	got := resolvePriorKey(priorKey(models.IdempotencyStatusStarted, staleStartedAfter+time.Second, now), now)
	if got != idempotencyRetry {
		t.Errorf("decision = %v, want retry", got)
	}
}

func TestResolvePriorKey_FailedIsRetried(t *testing.T) {
	now := time.Now()
	got := resolvePriorKey(priorKey(models.IdempotencyStatusFailed, time.Minute, now), now)
	if got != idempotencyRetry {
		t.Errorf("decision = %v, want retry", got)
	}
}
