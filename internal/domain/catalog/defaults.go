package catalog

// DefaultPharmacies is the built-in pharmacy inventory used when no other
// catalog source is configured.
func DefaultPharmacies() []Pharmacy {
	return []Pharmacy{
		{
			ID:       "ph1",
			Name:     "Apollo Pharmacy",
			Distance: "1.2 km away",
			Address:  "Main Road, Rampur",
			Medicines: map[string]StockRecord{
				"Paracetamol": {Status: InStock, Quantity: 50, Price: 30},
				"Amoxicillin": {Status: OutOfStock, Quantity: 0, Price: 80},
				"Ibuprofen":   {Status: InStock, Quantity: 30, Price: 45},
			},
		},
		{
			ID:       "ph2",
			Name:     "Jan Aushadhi Kendra",
			Distance: "2.5 km away",
			Address:  "Bus Stand Road, Govindpur",
			Medicines: map[string]StockRecord{
				"Paracetamol": {Status: InStock, Quantity: 100, Price: 25},
				"Amoxicillin": {Status: InStock, Quantity: 20, Price: 70},
				"Folic Acid":  {Status: OutOfStock, Quantity: 0, Price: 50},
			},
		},
		{
			ID:       "ph3",
			Name:     "Wellness Forever",
			Distance: "3.1 km away",
			Address:  "Market Square, Sitapur",
			Medicines: map[string]StockRecord{
				"Ibuprofen":   {Status: InStock, Quantity: 45, Price: 40},
				"Cough Syrup": {Status: InStock, Quantity: 25, Price: 120},
			},
		},
		{
			ID:       "ph4",
			Name:     "City Medicals",
			Distance: "4.0 km away",
			Address:  "Hospital Road, Alipur",
			Medicines: map[string]StockRecord{
				"Paracetamol": {Status: OutOfStock, Quantity: 0, Price: 32},
				"Amoxicillin": {Status: InStock, Quantity: 15, Price: 75},
				"Folic Acid":  {Status: InStock, Quantity: 60, Price: 45},
			},
		},
	}
}

// Default returns a catalog over DefaultPharmacies.
func Default() *Catalog {
	c, err := New(DefaultPharmacies())
	if err != nil {
		panic("catalog: built-in inventory is invalid: " + err.Error())
	}
	return c
}
