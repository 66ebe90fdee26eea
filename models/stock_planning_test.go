package models

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func datePtr(s string) *time.Time {
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &d
}

func TestPlanLotConsumption_DrawsEarliestExpiryFirst(t *testing.T) {
	lots := []*Lot{
		{ID: 1, RemainingQty: dec("10"), ExpiryDate: datePtr("2026-03-01")},
		{ID: 2, RemainingQty: dec("10"), ExpiryDate: datePtr("2026-01-15")},
		{ID: 3, RemainingQty: dec("10"), ExpiryDate: datePtr("2026-02-01")},
	}

	draws, available, ok := PlanLotConsumption(lots, dec("15"))
	if !ok {
		t.Fatalf("expected plan to succeed with %s available", available)
	}
	if len(draws) != 2 {
		t.Fatalf("expected 2 draws, got %d", len(draws))
	}
	if draws[0].LotId != 2 || !draws[0].Qty.Equal(dec("10")) {
		t.Errorf("first draw should empty lot 2: got lot %d qty %s", draws[0].LotId, draws[0].Qty)
	}
	if draws[1].LotId != 3 || !draws[1].Qty.Equal(dec("5")) {
		t.Errorf("second draw should take 5 from lot 3: got lot %d qty %s", draws[1].LotId, draws[1].Qty)
	}
}

func TestPlanLotConsumption_NilExpirySortsLast(t *testing.T) {
	lots := []*Lot{
		{ID: 1, RemainingQty: dec("5"), ExpiryDate: nil},
		{ID: 2, RemainingQty: dec("5"), ExpiryDate: datePtr("2026-06-01")},
	}

	draws, _, ok := PlanLotConsumption(lots, dec("6"))
	if !ok {
		t.Fatal("expected plan to succeed")
	}
	if draws[0].LotId != 2 {
		t.Errorf("dated lot must be consumed before the undated one, first draw was lot %d", draws[0].LotId)
	}
	if draws[1].LotId != 1 || !draws[1].Qty.Equal(dec("1")) {
		t.Errorf("undated lot should cover the remainder: got lot %d qty %s", draws[1].LotId, draws[1].Qty)
	}
}

func TestPlanLotConsumption_ShortStockReturnsNoDraws(t *testing.T) {
	lots := []*Lot{
		{ID: 1, RemainingQty: dec("3"), ExpiryDate: datePtr("2026-01-01")},
		{ID: 2, RemainingQty: dec("4"), ExpiryDate: nil},
	}

	draws, available, ok := PlanLotConsumption(lots, dec("8"))
	if ok {
		t.Fatal("expected plan to report short stock")
	}
	if len(draws) != 0 {
		t.Errorf("short plan must not return partial draws, got %d", len(draws))
	}
	if !available.Equal(dec("7")) {
		t.Errorf("available = %s, want 7", available)
	}
}

func TestPlanLotConsumption_SkipsEmptyLots(t *testing.T) {
	lots := []*Lot{
		{ID: 1, RemainingQty: decimal.Zero, ExpiryDate: datePtr("2026-01-01")},
		{ID: 2, RemainingQty: dec("2"), ExpiryDate: datePtr("2026-02-01")},
	}

	draws, _, ok := PlanLotConsumption(lots, dec("2"))
	if !ok {
		t.Fatal("expected plan to succeed")
	}
	if len(draws) != 1 || draws[0].LotId != 2 {
		t.Fatalf("expected a single draw from lot 2, got %+v", draws)
	}
}

func TestPlanLotConsumption_TiesBreakOnCreationThenId(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	lots := []*Lot{
		{ID: 9, RemainingQty: dec("1"), ExpiryDate: datePtr("2026-05-01"), CreatedAt: created},
		{ID: 4, RemainingQty: dec("1"), ExpiryDate: datePtr("2026-05-01"), CreatedAt: created},
	}

	draws, _, ok := PlanLotConsumption(lots, dec("2"))
	if !ok {
		t.Fatal("expected plan to succeed")
	}
	if draws[0].LotId != 4 {
		t.Errorf("same expiry and creation must fall back to id order, first draw was lot %d", draws[0].LotId)
	}
}
