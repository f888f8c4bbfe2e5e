package models

// Product is a downloadable pack defined at deploy time.
type Product struct {
	ID           string  `json:"packId" yaml:"id"`
	Title        string  `json:"packTitle" yaml:"title"`
	ObjectKey    string  `json:"-" yaml:"object_key"`
	MinimumPrice float64 `json:"minimumPrice" yaml:"minimum_price"`
}

// IsFree reports whether the pack may be downloaded without a purchase.
func (p Product) IsFree() bool {
	return p.MinimumPrice <= 0
}

type PackSummary struct {
	ID           string  `json:"packId"`
	Title        string  `json:"packTitle"`
	MinimumPrice float64 `json:"minimumPrice"`
	Free         bool    `json:"free"`
}
