package partner

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Provider looks up raw partner records by AS2 identifier. Implementations
// return an error wrapping ErrUnknownPartner when the id is not known.
type Provider interface {
	Get(ctx context.Context, id string) (*Record, error)
}

// Lister is implemented by providers that can enumerate their records
type Lister interface {
	List(ctx context.Context) ([]*Record, error)
}

// StaticProvider serves records held in memory
type StaticProvider struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewStaticProvider creates a provider seeded with records
func NewStaticProvider(records ...Record) *StaticProvider {
	p := &StaticProvider{records: make(map[string]Record, len(records))}
	for _, r := range records {
		p.Add(r)
	}
	return p
}

// Add registers or replaces a record
func (p *StaticProvider) Add(r Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r.ID = strings.TrimSpace(r.ID)
	p.records[r.ID] = r
}

// Remove deletes a record
func (p *StaticProvider) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.records, strings.TrimSpace(id))
}

// Get implements Provider
func (p *StaticProvider) Get(_ context.Context, id string) (*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPartner, id)
	}
	return &r, nil
}

// List implements Lister, ordered by id
func (p *StaticProvider) List(_ context.Context) ([]*Record, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Record, 0, len(p.records))
	for _, r := range p.records {
		r := r
		out = append(out, &r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// fileDocument is the layout of a partners YAML file
type fileDocument struct {
	Partners []Record `yaml:"partners"`
}

// FileProvider serves records from a YAML file of the form
//
//	partners:
//	  - id: mycompany
//	    is_local: true
//	    sec_pkcs12: /etc/as2/mycompany.p12
//	  - id: acme
//	    sec_certificate: /etc/as2/acme.pem
//	    send_url: https://as2.acme.example/as2
type FileProvider struct {
	path string
	*StaticProvider
}

// NewFileProvider reads path and returns a provider over its records
func NewFileProvider(path string) (*FileProvider, error) {
	fp := &FileProvider{path: path, StaticProvider: NewStaticProvider()}
	if err := fp.Reload(); err != nil {
		return nil, err
	}
	return fp, nil
}

// Reload re-reads the file, replacing all records
func (fp *FileProvider) Reload() error {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		return fmt.Errorf("failed to read partners file: %w", err)
	}

	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse partners file: %w", err)
	}

	records := make(map[string]Record, len(doc.Partners))
	for i, r := range doc.Partners {
		r.ID = strings.TrimSpace(r.ID)
		if r.ID == "" {
			return fmt.Errorf("%w: partners[%d] has no id", ErrInvalidPartner, i)
		}
		if _, dup := records[r.ID]; dup {
			return fmt.Errorf("%w: duplicate id %q", ErrInvalidPartner, r.ID)
		}
		records[r.ID] = r
	}

	fp.StaticProvider.mu.Lock()
	fp.StaticProvider.records = records
	fp.StaticProvider.mu.Unlock()
	return nil
}
