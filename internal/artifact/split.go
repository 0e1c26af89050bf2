package artifact

import (
	"context"
	"encoding/json"
	"fmt"
)

// SplitExtension names the validation split stored next to a model.
const SplitExtension = ".split.json"

// Split records the cross-validation fold a persisted model was selected from. Evaluation
// reads it back so the model is only ever scored on sequences it did not train on.
type Split struct {
	DatasetID  string   `json:"dataset_id"`
	Strategy   string   `json:"strategy"`
	Folds      int      `json:"folds"`
	Fold       int      `json:"fold"`
	Validation []string `json:"validation"`
}

// SplitName returns the artifact name of the split of a variant.
func SplitName(variant string) string {
	return variant + SplitExtension
}

// SaveSplit persists the validation split of a variant.
func (m *Models) SaveSplit(ctx context.Context, variant string, s *Split) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode %s: %w", SplitName(variant), err)
	}
	return m.store.Put(ctx, SplitName(variant), data)
}

// LoadSplit returns the validation split of a variant. A missing split is ErrNotFound.
func (m *Models) LoadSplit(ctx context.Context, variant string) (*Split, error) {
	data, err := m.store.Get(ctx, SplitName(variant))
	if err != nil {
		return nil, err
	}
	var s Split
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", SplitName(variant), err)
	}
	return &s, nil
}
