package partner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Directory resolves partners by AS2 identifier. Each identifier is loaded
// from the Provider at most once; concurrent lookups for the same id share a
// single load.
type Directory struct {
	provider Provider
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]*Partner
	group singleflight.Group
}

// NewDirectory creates a directory backed by provider
func NewDirectory(provider Provider, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		provider: provider,
		logger:   logger.With("component", "partner-directory"),
		cache:    make(map[string]*Partner),
	}
}

// Get returns the partner for id. Surrounding whitespace in id is ignored.
func (d *Directory) Get(ctx context.Context, id string) (*Partner, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: empty id", ErrUnknownPartner)
	}

	d.mu.RLock()
	p, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return p, nil
	}

	v, err, _ := d.group.Do(id, func() (any, error) {
		d.mu.RLock()
		p, ok := d.cache[id]
		d.mu.RUnlock()
		if ok {
			return p, nil
		}

		rec, err := d.provider.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPartner, id)
		}
		if rec.ID == "" {
			rec.ID = id
		}

		p, err = New(*rec)
		if err != nil {
			return nil, err
		}

		d.mu.Lock()
		d.cache[id] = p
		d.mu.Unlock()

		d.logger.Debug("partner loaded", "id", id, "local", p.IsLocal)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Partner), nil
}

// Reload drops the cached entry for id so the next Get reads the provider again
func (d *Directory) Reload(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, strings.TrimSpace(id))
}

// ReloadAll empties the cache
func (d *Directory) ReloadAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*Partner)
}

// List loads every partner known to the provider. The provider must
// implement Lister.
func (d *Directory) List(ctx context.Context) ([]*Partner, error) {
	lister, ok := d.provider.(Lister)
	if !ok {
		return nil, fmt.Errorf("partner provider %T cannot list records", d.provider)
	}

	records, err := lister.List(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*Partner, 0, len(records))
	for _, rec := range records {
		p, err := d.Get(ctx, rec.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
