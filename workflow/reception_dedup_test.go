package workflow

import (
	"strconv"
	"sync"
	"testing"

	"github.com/comedorsoft/pantry_backend/models"
)

var testReceptionInput = models.NewReception{PurchaseOrderId: 42, ExternalId: "shipment-A"}

// NOTE: These tests are intentionally DB-free. They validate the intended apply semantics:
// - at-least-once submission is safe via durable idempotency
// - the stored summary is replayed for duplicates instead of re-touching stock
//
// Full DB integration tests live in workflow tests gated by INTEGRATION_TESTS.

type fakeApplier struct {
	mu      sync.Mutex
	results map[string]*SyncResult
	applies int
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{results: map[string]*SyncResult{}}
}

func (a *fakeApplier) apply(handlerName, messageId string, fn func() *SyncResult) *SyncResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := handlerName + "|" + messageId
	if prior, ok := a.results[key]; ok {
		replay := *prior
		replay.DuplicateSkipped = true
		return &replay
	}
	result := fn()
	a.results[key] = result
	a.applies++
	return result
}

func TestReceptionDedup_DuplicateSubmissionAppliedOnce(t *testing.T) {
	a := newFakeApplier()

	var wg sync.WaitGroup
	results := make([]*SyncResult, 25)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = a.apply(receptionHandlerName, "41", func() *SyncResult {
				return &SyncResult{ReceptionId: 7, LotsCreated: 2, MovementsCreated: 2}
			})
		}(i)
	}
	wg.Wait()

	if a.applies != 1 {
		t.Fatalf("expected exactly 1 apply, got %d", a.applies)
	}
	skipped := 0
	for _, r := range results {
		if r.DuplicateSkipped {
			skipped++
			if r.ReceptionId != 7 || r.LotsCreated != 2 {
				t.Errorf("duplicate must replay the stored summary, got %+v", r)
			}
		}
	}
	if skipped != 24 {
		t.Errorf("expected 24 duplicate responses, got %d", skipped)
	}
}

func TestReceptionDedup_DistinctOrdersApplyIndependently(t *testing.T) {
	a := newFakeApplier()
	for i := 0; i < 5; i++ {
		a.apply(receptionHandlerName, strconv.Itoa(i), func() *SyncResult { return &SyncResult{} })
	}
	if a.applies != 5 {
		t.Fatalf("expected 5 applies for 5 distinct orders, got %d", a.applies)
	}
}

func TestReceptionMessageId_DefaultScopeIsOrder(t *testing.T) {
	t.Setenv("MULTI_SHIPMENT_RECEPTIONS", "")
	input := &testReceptionInput
	if got := receptionMessageId(input); got != "42" {
		t.Errorf("message id = %q, want order id", got)
	}
}

func TestReceptionMessageId_MultiShipmentUsesExternalId(t *testing.T) {
	t.Setenv("MULTI_SHIPMENT_RECEPTIONS", "true")
	input := &testReceptionInput
	if got := receptionMessageId(input); got != "shipment-A" {
		t.Errorf("message id = %q, want external id", got)
	}
}
