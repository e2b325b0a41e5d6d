package pricing

import (
	"math"
	"testing"

	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/prescription"
)

func TestRequiredQuantity(t *testing.T) {
	tests := []struct {
		name      string
		frequency string
		duration  string
		want      int
	}{
		{"twice for five days", "twice a day", "5", 10},
		{"unparseable frequency", "unparseable", "5", 1},
		{"bad duration", "thrice a day", "bad", 1},
		{"capitalised token", "Twice a day", "3 days", 6},
		{"numeric times", "3 times a day", "4", 12},
		{"single time", "1 time daily", "7", 7},
		{"once", "once at night", "2", 2},
		{"zero duration", "twice a day", "0", 1},
		{"negative duration", "twice a day", "-3", 1},
		{"empty duration", "twice a day", "", 1},
		{"zero times", "0 times", "5", 5},
		{"product overflows", "4000000000 times a day", "4000000000", MaxRequiredQuantity},
		{"long course capped", "thrice a day", "5000 days", MaxRequiredQuantity},
		{"exactly at cap", "twice a day", "5000", MaxRequiredQuantity},
		{"digits beyond int range", "99999999999999999999 times", "99999999999999999999", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RequiredQuantity(prescription.Medication{Frequency: tt.frequency, Duration: tt.duration})
			if got != tt.want {
				t.Errorf("RequiredQuantity(%q, %q) = %d, want %d", tt.frequency, tt.duration, got, tt.want)
			}
		})
	}
}

func TestAdjustQuantityStaysInBounds(t *testing.T) {
	const max = 7
	q := 1
	deltas := []int{0, 3, 10, -2, -50, 1, 0, 6, 6, -1}
	for _, d := range deltas {
		q = AdjustQuantity(q, d, max)
		if q < 1 || q > max {
			t.Fatalf("quantity %d out of [1, %d] after delta %d", q, max, d)
		}
	}
}

func TestAdjustQuantityZeroDeltaIdempotent(t *testing.T) {
	for _, start := range []int{1, 4, 7} {
		q := start
		for i := 0; i < 5; i++ {
			q = AdjustQuantity(q, 0, 7)
		}
		if q != start {
			t.Errorf("start %d drifted to %d", start, q)
		}
	}
}

func TestAdjustQuantityNonPositiveMax(t *testing.T) {
	if got := AdjustQuantity(3, 1, 0); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
}

func TestLineTotalRounding(t *testing.T) {
	if got := LineTotal(12.345, 2); got != 24.69 {
		t.Errorf("expected 24.69, got %v", got)
	}
	if got := LineTotal(30, 6); got != 180 {
		t.Errorf("expected 180, got %v", got)
	}
}

func TestBillTotalExcludesOutOfStock(t *testing.T) {
	pharmacy := catalog.Pharmacy{
		ID: "p",
		Medicines: map[string]catalog.StockRecord{
			"A": {Status: catalog.InStock, Quantity: 10, Price: 30},
			"B": {Status: catalog.OutOfStock, Quantity: 0, Price: 99},
		},
	}
	meds := []prescription.Medication{
		{Name: "A", Frequency: "twice a day", Duration: "3"},
		{Name: "B", Frequency: "once", Duration: "2"},
	}

	total := BillTotal(pharmacy, meds, map[string]int{"A": 6, "B": 2})
	if math.IsNaN(total) || total != 180 {
		t.Fatalf("expected 180, got %v", total)
	}

	bill := NewBill(pharmacy, meds)
	if bill.Total() != 180 {
		t.Errorf("bill total %v, want 180", bill.Total())
	}
	if items := bill.Items(); len(items) != 1 || items[0].Medicine != "A" || items[0].Quantity != 6 {
		t.Errorf("unexpected items %+v", items)
	}
}

func TestBillAdjustCapsAtRequired(t *testing.T) {
	pharmacy, _ := catalog.Default().Pharmacy("ph2")
	meds := []prescription.Medication{{Name: "Paracetamol", Frequency: "twice a day", Duration: "2"}}

	bill := NewBill(pharmacy, meds)
	bill.Adjust(0, 5)
	if bill.Lines[0].Quantity != 4 {
		t.Errorf("quantity raised above required: %d", bill.Lines[0].Quantity)
	}
	bill.Adjust(0, -10)
	if bill.Lines[0].Quantity != 1 {
		t.Errorf("quantity below 1: %d", bill.Lines[0].Quantity)
	}
	if bill.Total() != 25 {
		t.Errorf("total %v, want 25", bill.Total())
	}
	bill.Adjust(3, 1)
}
