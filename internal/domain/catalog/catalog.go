// Package catalog holds the read-only pharmacy reference data: pharmacies and
// their per-medicine stock records.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// StockStatus represents the availability of a medicine at a pharmacy
type StockStatus string

const (
	InStock    StockStatus = "In Stock"
	OutOfStock StockStatus = "Out of Stock"
)

// ErrInconsistentStock is returned when a stock record breaks the
// status/quantity invariant.
var ErrInconsistentStock = errors.New("inconsistent stock record")

// StockRecord is a pharmacy's availability and price entry for one medicine
type StockRecord struct {
	Status   StockStatus `json:"status"`
	Quantity int         `json:"quantity"`
	Price    float64     `json:"price"`
}

// Available reports whether at least one unit can be ordered
func (s StockRecord) Available() bool {
	return s.Status == InStock && s.Quantity > 0
}

// Validate checks OutOfStock <=> Quantity == 0 and non-negative values.
func (s StockRecord) Validate() error {
	if s.Quantity < 0 || s.Price < 0 {
		return ErrInconsistentStock
	}
	switch s.Status {
	case InStock:
		if s.Quantity == 0 {
			return ErrInconsistentStock
		}
	case OutOfStock:
		if s.Quantity != 0 {
			return ErrInconsistentStock
		}
	default:
		return ErrInconsistentStock
	}
	return nil
}

// Pharmacy is a local pharmacy with its embedded stock
type Pharmacy struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Address   string                 `json:"address"`
	Distance  string                 `json:"distance"`
	Medicines map[string]StockRecord `json:"medicines"`
}

// MedicineKeys returns the stocked medicine names in sorted order.
func (p Pharmacy) MedicineKeys() []string {
	keys := make([]string, 0, len(p.Medicines))
	for k := range p.Medicines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lookup finds a stock record by case-insensitive substring match of name
// against the medicine keys. An exact match wins over a substring match.
func (p Pharmacy) Lookup(name string) (string, StockRecord, bool) {
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", StockRecord{}, false
	}

	keys := p.MedicineKeys()
	for _, k := range keys {
		if strings.ToLower(strings.TrimSpace(k)) == needle {
			return k, p.Medicines[k], true
		}
	}
	for _, k := range keys {
		if strings.Contains(strings.ToLower(k), needle) {
			return k, p.Medicines[k], true
		}
	}
	return "", StockRecord{}, false
}

// InStockCount counts how many of names this pharmacy can supply.
func (p Pharmacy) InStockCount(names []string) int {
	count := 0
	for _, n := range names {
		if _, rec, ok := p.Lookup(n); ok && rec.Available() {
			count++
		}
	}
	return count
}

// Ranked pairs a pharmacy with the number of requested medicines it has in stock
type Ranked struct {
	Pharmacy Pharmacy `json:"pharmacy"`
	InStock  int      `json:"in_stock"`
}

// Catalog is an immutable set of pharmacies
type Catalog struct {
	pharmacies []Pharmacy
	byID       map[string]int
}

// New validates every stock record and builds a catalog.
func New(pharmacies []Pharmacy) (*Catalog, error) {
	c := &Catalog{
		pharmacies: make([]Pharmacy, 0, len(pharmacies)),
		byID:       make(map[string]int, len(pharmacies)),
	}
	for _, p := range pharmacies {
		if p.ID == "" {
			return nil, errors.New("pharmacy id is required")
		}
		if _, dup := c.byID[p.ID]; dup {
			return nil, fmt.Errorf("duplicate pharmacy id %s", p.ID)
		}
		meds := make(map[string]StockRecord, len(p.Medicines))
		for name, rec := range p.Medicines {
			if err := rec.Validate(); err != nil {
				return nil, fmt.Errorf("pharmacy %s medicine %s: %w", p.ID, name, err)
			}
			meds[name] = rec
		}
		p.Medicines = meds
		c.byID[p.ID] = len(c.pharmacies)
		c.pharmacies = append(c.pharmacies, p)
	}
	return c, nil
}

// Pharmacies returns all pharmacies in catalog order
func (c *Catalog) Pharmacies() []Pharmacy {
	out := make([]Pharmacy, len(c.pharmacies))
	copy(out, c.pharmacies)
	return out
}

// Pharmacy returns a pharmacy by id
func (c *Catalog) Pharmacy(id string) (Pharmacy, bool) {
	i, ok := c.byID[id]
	if !ok {
		return Pharmacy{}, false
	}
	return c.pharmacies[i], true
}

// PharmacyName resolves an id to a display name. Orders keep a weak
// reference, so ids that no longer resolve are reported as unknown.
func (c *Catalog) PharmacyName(id string) string {
	if p, ok := c.Pharmacy(id); ok {
		return p.Name
	}
	return "Unknown pharmacy"
}

// Search returns pharmacies stocking any medicine whose name contains term.
// An empty term returns every pharmacy.
func (c *Catalog) Search(term string) []Pharmacy {
	term = strings.TrimSpace(term)
	if term == "" {
		return c.Pharmacies()
	}
	var out []Pharmacy
	for _, p := range c.pharmacies {
		if _, _, ok := p.Lookup(term); ok {
			out = append(out, p)
		}
	}
	return out
}

// InStockAt returns pharmacies that can supply name right now.
func (c *Catalog) InStockAt(name string) []Pharmacy {
	var out []Pharmacy
	for _, p := range c.pharmacies {
		if _, rec, ok := p.Lookup(name); ok && rec.Available() {
			out = append(out, p)
		}
	}
	return out
}

// RankByStock orders pharmacies by how many of names they have in stock,
// descending. Pharmacies with none of them are left out; ties keep catalog order.
func (c *Catalog) RankByStock(names []string) []Ranked {
	var out []Ranked
	for _, p := range c.pharmacies {
		if n := p.InStockCount(names); n > 0 {
			out = append(out, Ranked{Pharmacy: p, InStock: n})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].InStock > out[j].InStock
	})
	return out
}

// MedicineNames lists every medicine stocked anywhere, sorted and unique.
func (c *Catalog) MedicineNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, p := range c.pharmacies {
		for name := range p.Medicines {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
