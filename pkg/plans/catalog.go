package plans

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk plan definition file
//
//	schema_version: 1
//	plans:
//	  - id: pro
//	    name: Pro
//	    price_cents: 4900
//	    interval: month
//	    stripe_price_id: price_123
//	    features: {export: true}
//	    monthly_quota: {reads: 10000, exports: -1}
type Catalog struct {
	SchemaVersion int     `yaml:"schema_version"`
	Plans         []*Plan `yaml:"plans"`
}

// LoadCatalog reads and validates a YAML catalog file
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML catalog. Unknown keys are
// rejected so a typo in a quota name cannot silently deny a metric.
func ParseCatalog(data []byte) (*Catalog, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var cat Catalog
	if err := dec.Decode(&cat); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalog: %w", err)
	}

	if cat.SchemaVersion == 0 {
		cat.SchemaVersion = SchemaVersion
	}
	if cat.SchemaVersion > SchemaVersion {
		return nil, fmt.Errorf("catalog schema_version %d is newer than supported version %d", cat.SchemaVersion, SchemaVersion)
	}

	seen := make(map[string]bool, len(cat.Plans))
	for _, p := range cat.Plans {
		if p == nil {
			return nil, fmt.Errorf("catalog contains an empty plan entry")
		}
		if p.SchemaVersion == 0 {
			p.SchemaVersion = cat.SchemaVersion
		}
		p.normalize()
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("duplicate plan id %s", p.ID)
		}
		seen[p.ID] = true
	}

	if !seen[FreePlanID] {
		return nil, fmt.Errorf("catalog must define the %q plan", FreePlanID)
	}

	return &cat, nil
}

// Get returns the catalog entry for id
func (c *Catalog) Get(id string) (*Plan, bool) {
	for _, p := range c.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// SyncCatalog upserts every catalog plan into the store. Plans missing from
// the catalog are left in place so existing subscriptions keep resolving.
func SyncCatalog(ctx context.Context, store Store, cat *Catalog) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for _, p := range cat.Plans {
		p := p
		g.Go(func() error {
			return store.Upsert(ctx, p)
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to sync plan catalog: %w", err)
	}
	return nil
}
