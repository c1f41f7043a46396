package model

import "time"

// Rubric is a named scoring criterion.
type Rubric struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Description  string    `json:"description" yaml:"description"`
	Guidance     string    `json:"guidance" yaml:"guidance"`
	ScaleMin     float64   `json:"scale_min" yaml:"scale_min"`
	ScaleMax     float64   `json:"scale_max" yaml:"scale_max"`
	Weight       float64   `json:"weight" yaml:"weight"`
	IsActive     bool      `json:"is_active" yaml:"is_active"`
	DisplayOrder int       `json:"display_order" yaml:"display_order"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// InScale reports whether raw lies within the rubric's scale bounds.
func (r Rubric) InScale(raw float64) bool {
	return raw >= r.ScaleMin && raw <= r.ScaleMax
}

// Normalize rescales raw from [ScaleMin, ScaleMax] to [0, 10].
func (r Rubric) Normalize(raw float64) float64 {
	span := r.ScaleMax - r.ScaleMin
	if span <= 0 {
		return 0
	}
	return (raw - r.ScaleMin) / span * 10
}

// TotalWeight sums the weight of the given rubrics.
func TotalWeight(rubrics []Rubric) float64 {
	var sum float64
	for _, r := range rubrics {
		sum += r.Weight
	}
	return sum
}
