package report

import (
	"encoding/json"
	"fmt"
)

// Confusion counts predictions per actual class (rows) and predicted class (columns).
type Confusion struct {
	Labels []string `json:"labels"`
	Counts [][]int  `json:"counts"`
}

// NewConfusion returns an empty matrix over the given class labels.
func NewConfusion(labels []string) *Confusion {
	counts := make([][]int, len(labels))
	for i := range counts {
		counts[i] = make([]int, len(labels))
	}
	return &Confusion{Labels: labels, Counts: counts}
}

// Add records one prediction.
func (c *Confusion) Add(actual, predicted int) error {
	n := len(c.Labels)
	if actual < 0 || actual >= n || predicted < 0 || predicted >= n {
		return fmt.Errorf("report: class out of range (%d, %d) for %d labels", actual, predicted, n)
	}
	c.Counts[actual][predicted]++
	return nil
}

// Total is the number of recorded predictions.
func (c *Confusion) Total() int {
	total := 0
	for _, row := range c.Counts {
		for _, v := range row {
			total += v
		}
	}
	return total
}

// Accuracy is the trace over the total, zero when empty.
func (c *Confusion) Accuracy() float64 {
	total := c.Total()
	if total == 0 {
		return 0
	}
	correct := 0
	for i := range c.Counts {
		correct += c.Counts[i][i]
	}
	return float64(correct) / float64(total)
}

// Normalized divides each row by its sum. Rows without samples stay zero.
func (c *Confusion) Normalized() [][]float64 {
	result := make([][]float64, len(c.Counts))
	for i, row := range c.Counts {
		result[i] = make([]float64, len(row))
		sum := 0
		for _, v := range row {
			sum += v
		}
		if sum == 0 {
			continue
		}
		for j, v := range row {
			result[i][j] = float64(v) / float64(sum)
		}
	}
	return result
}

// JSON returns the count matrix as compact JSON.
func (c *Confusion) JSON() string {
	data, _ := json.Marshal(c.Counts)
	return string(data)
}
