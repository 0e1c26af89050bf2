// Package crossval partitions sequences into folds and trains one classifier per fold.
package crossval

import (
	"errors"
	"fmt"
	"sort"

	"github.com/andresmejia3/mugfer/internal/event"
)

var log = event.Log

// Strategy selects how sequences are assigned to folds.
type Strategy string

const (
	// BySubject keeps every subject inside a single fold and balances labels across folds.
	BySubject Strategy = "subject"
	// Stratified splits each label's sequences into contiguous chunks, ignoring subjects.
	Stratified Strategy = "stratified"
)

var (
	// ErrTooFewSubjects is returned when there are fewer subjects than folds.
	ErrTooFewSubjects = errors.New("crossval: fewer subjects than folds")
	// ErrTooFewSamples is returned when there are fewer sequences than folds.
	ErrTooFewSamples = errors.New("crossval: fewer sequences than folds")
)

// Fold is one train/validation split. Indices refer to the partitioned slice.
type Fold struct {
	Index      int
	Train      []int
	Validation []int
}

// Partition splits n = len(labels) sequences into k folds. Every sequence is in exactly one
// validation split. The result depends only on the inputs.
func Partition(labels []int, subjects []string, k int, strategy Strategy) ([]Fold, error) {
	if k < 2 {
		return nil, fmt.Errorf("crossval: need at least 2 folds, have %d", k)
	}
	if len(labels) < k {
		return nil, fmt.Errorf("%w: %d sequences, %d folds", ErrTooFewSamples, len(labels), k)
	}

	var assign []int
	var err error
	switch strategy {
	case Stratified:
		log.Warnf("crossval: stratified partition may put one subject in both train and validation")
		assign = stratified(labels, k)
	case BySubject, "":
		if len(subjects) != len(labels) {
			return nil, fmt.Errorf("crossval: %d subjects for %d labels", len(subjects), len(labels))
		}
		assign, err = bySubject(labels, subjects, k)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("crossval: unknown partition strategy %q", strategy)
	}

	result := folds(assign, k)
	for _, f := range result {
		if len(f.Validation) == 0 {
			return nil, fmt.Errorf("%w: fold %d has no validation sequences", ErrTooFewSamples, f.Index)
		}
	}
	return result, nil
}

func folds(assign []int, k int) []Fold {
	result := make([]Fold, k)
	for f := range result {
		result[f].Index = f
	}
	for i, f := range assign {
		for g := range result {
			if g == f {
				result[g].Validation = append(result[g].Validation, i)
			} else {
				result[g].Train = append(result[g].Train, i)
			}
		}
	}
	return result
}

// stratified splits every label's sequences, in order, into k contiguous chunks.
// The first n%k chunks hold one extra sequence.
func stratified(labels []int, k int) []int {
	byLabel := make(map[int][]int)
	var keys []int
	for i, l := range labels {
		if _, ok := byLabel[l]; !ok {
			keys = append(keys, l)
		}
		byLabel[l] = append(byLabel[l], i)
	}
	sort.Ints(keys)

	assign := make([]int, len(labels))
	for _, l := range keys {
		idx := byLabel[l]
		if len(idx) < k {
			log.Warnf("crossval: label %d has %d sequences, fewer than %d folds", l, len(idx), k)
		}
		pos := 0
		for f := 0; f < k; f++ {
			size := len(idx) / k
			if f < len(idx)%k {
				size++
			}
			for _, i := range idx[pos : pos+size] {
				assign[i] = f
			}
			pos += size
		}
	}
	return assign
}

type group struct {
	subject string
	indices []int
	counts  map[int]int
}

// bySubject assigns whole subjects to folds. Subjects are visited largest first (name breaks
// ties) and each goes to the fold where it adds the least squared per-label load, so empty
// folds fill first and labels spread evenly.
func bySubject(labels []int, subjects []string, k int) ([]int, error) {
	groups := make(map[string]*group)
	for i, s := range subjects {
		g, ok := groups[s]
		if !ok {
			g = &group{subject: s, counts: make(map[int]int)}
			groups[s] = g
		}
		g.indices = append(g.indices, i)
		g.counts[labels[i]]++
	}
	if len(groups) < k {
		return nil, fmt.Errorf("%w: %d subjects, %d folds", ErrTooFewSubjects, len(groups), k)
	}

	ordered := make([]*group, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if len(ordered[i].indices) != len(ordered[j].indices) {
			return len(ordered[i].indices) > len(ordered[j].indices)
		}
		return ordered[i].subject < ordered[j].subject
	})

	load := make([]map[int]int, k)
	sizes := make([]int, k)
	for f := range load {
		load[f] = make(map[int]int)
	}

	assign := make([]int, len(labels))
	for _, g := range ordered {
		best, bestCost := -1, 0
		for f := 0; f < k; f++ {
			cost := 0
			for l, n := range g.counts {
				c := load[f][l] + n
				cost += c * c
			}
			if best < 0 || cost < bestCost || (cost == bestCost && sizes[f] < sizes[best]) {
				best, bestCost = f, cost
			}
		}
		for l, n := range g.counts {
			load[best][l] += n
		}
		sizes[best] += len(g.indices)
		for _, i := range g.indices {
			assign[i] = best
		}
	}
	return assign, nil
}
