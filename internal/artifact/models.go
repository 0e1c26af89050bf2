package artifact

import (
	"context"
	"fmt"

	"github.com/patrickmn/go-cache"

	"github.com/andresmejia3/mugfer/internal/nn"
)

// Models saves and loads classifiers by variant name. Loaded classifiers are cached and
// shared read-only between inference calls.
type Models struct {
	store Store
	cache *cache.Cache
}

func NewModels(store Store) *Models {
	return &Models{store: store, cache: cache.New(cache.NoExpiration, cache.NoExpiration)}
}

// Save persists the weights of a variant and refreshes the cache.
func (m *Models) Save(ctx context.Context, variant string, model *nn.Classifier) error {
	data, err := model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("artifact: encode %s: %w", variant, err)
	}
	if err := m.store.Put(ctx, FileName(variant), data); err != nil {
		return err
	}
	m.cache.Set(variant, model, cache.NoExpiration)
	log.Infof("artifact: saved %s (%d bytes)", FileName(variant), len(data))
	return nil
}

// Load returns the persisted classifier of a variant. A missing artifact is ErrNotFound.
func (m *Models) Load(ctx context.Context, variant string) (*nn.Classifier, error) {
	if cached, ok := m.cache.Get(variant); ok {
		return cached.(*nn.Classifier), nil
	}

	data, err := m.store.Get(ctx, FileName(variant))
	if err != nil {
		return nil, err
	}
	model, err := nn.Load(data)
	if err != nil {
		return nil, fmt.Errorf("artifact: decode %s: %w", FileName(variant), err)
	}

	m.cache.Set(variant, model, cache.NoExpiration)
	return model, nil
}

// Forget drops a variant from the cache.
func (m *Models) Forget(variant string) {
	m.cache.Delete(variant)
}
