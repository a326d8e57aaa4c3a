package engine

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Percent returns the completed share in [0, 100], or -1 when the step has
// no known size.
func (p PullProgress) Percent() float64 {
	if p.Total <= 0 {
		return -1
	}
	return min(float64(p.Completed)/float64(p.Total)*100, 100)
}
