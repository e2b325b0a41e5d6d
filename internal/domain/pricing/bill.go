package pricing

import (
	"github.com/drfirst/careflow/internal/domain/catalog"
	"github.com/drfirst/careflow/internal/domain/model"
	"github.com/drfirst/careflow/internal/domain/prescription"
)

// BillLine is one medication of a prescription priced at a pharmacy
type BillLine struct {
	Medicine   string                  `json:"medicine"`
	StockKey   string                  `json:"stockKey,omitempty"`
	InStock    bool                    `json:"inStock"`
	UnitPrice  float64                 `json:"unitPrice"`
	Quantity   int                     `json:"quantity"`
	Required   int                     `json:"required"`
	LineTotal  float64                 `json:"lineTotal"`
	Prescribed prescription.Medication `json:"-"`
}

// Bill prices a whole prescription at one pharmacy
type Bill struct {
	PharmacyID   string     `json:"pharmacyId"`
	PharmacyName string     `json:"pharmacyName"`
	Lines        []BillLine `json:"lines"`
}

// NewBill builds a bill with every line at its required quantity.
func NewBill(pharmacy catalog.Pharmacy, meds []prescription.Medication) *Bill {
	b := &Bill{
		PharmacyID:   pharmacy.ID,
		PharmacyName: pharmacy.Name,
		Lines:        make([]BillLine, 0, len(meds)),
	}
	for _, med := range meds {
		required := RequiredQuantity(med)
		line := BillLine{
			Medicine:   med.Name,
			Quantity:   required,
			Required:   required,
			Prescribed: med,
		}
		if key, rec, ok := pharmacy.Lookup(med.Name); ok {
			line.StockKey = key
			line.UnitPrice = rec.Price
			line.InStock = rec.Status == catalog.InStock
		}
		b.Lines = append(b.Lines, line)
	}
	b.recompute()
	return b
}

// Adjust moves the quantity of line i by delta within [1, required].
// Out-of-range indexes and out-of-stock lines are left untouched.
func (b *Bill) Adjust(i, delta int) {
	if i < 0 || i >= len(b.Lines) || !b.Lines[i].InStock {
		return
	}
	b.Lines[i].Quantity = AdjustQuantity(b.Lines[i].Quantity, delta, b.Lines[i].Required)
	b.recompute()
}

func (b *Bill) recompute() {
	for i := range b.Lines {
		if b.Lines[i].InStock {
			b.Lines[i].LineTotal = LineTotal(b.Lines[i].UnitPrice, b.Lines[i].Quantity)
		} else {
			b.Lines[i].LineTotal = 0
		}
	}
}

// Total is the sum of in-stock line totals
func (b *Bill) Total() float64 {
	var total float64
	for _, l := range b.Lines {
		if l.InStock {
			total += l.LineTotal
		}
	}
	return Round2(total)
}

// Items returns the in-stock lines as order line items.
func (b *Bill) Items() []model.LineItem {
	var items []model.LineItem
	for _, l := range b.Lines {
		if !l.InStock {
			continue
		}
		items = append(items, model.LineItem{
			Medicine:  l.Medicine,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}
	return items
}
