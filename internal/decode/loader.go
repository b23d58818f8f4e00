package decode

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"can-autoconfig/internal/models"
)

//go:embed tables/*.yaml
var embeddedTables embed.FS

// ResourceLoader returns the raw bytes of a named decode-table resource.
// Missing resources are reported as ErrTableNotFound.
type ResourceLoader interface {
	Load(resource string) ([]byte, error)
}

// EmbeddedLoader serves the tables compiled into the binary
type EmbeddedLoader struct{}

func (EmbeddedLoader) Load(resource string) ([]byte, error) {
	if !fs.ValidPath(resource) {
		return nil, fmt.Errorf("invalid resource name %q", resource)
	}
	data, err := embeddedTables.ReadFile("tables/" + resource)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, resource)
	}
	return data, err
}

// DirLoader reads tables from a directory on disk
type DirLoader struct {
	Dir string
}

func (l DirLoader) Load(resource string) ([]byte, error) {
	if resource != filepath.Base(resource) || resource == "." || resource == ".." {
		return nil, fmt.Errorf("invalid resource name %q", resource)
	}
	data, err := os.ReadFile(filepath.Join(l.Dir, resource))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, filepath.Join(l.Dir, resource))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decode table: %w", err)
	}
	return data, nil
}

// ChainLoader tries each loader in turn; the first one that has the
// resource wins
type ChainLoader []ResourceLoader

func (c ChainLoader) Load(resource string) ([]byte, error) {
	for _, l := range c {
		data, err := l.Load(resource)
		if errors.Is(err, ErrTableNotFound) {
			continue
		}
		return data, err
	}
	return nil, fmt.Errorf("%w: %s", ErrTableNotFound, resource)
}

// Registry loads decode tables on demand and caches the ones that parsed
type Registry struct {
	loader ResourceLoader

	mu     sync.Mutex
	tables map[string]*Table
}

// NewRegistry creates a registry over loader. A nil loader serves the
// embedded tables.
func NewRegistry(loader ResourceLoader) *Registry {
	if loader == nil {
		loader = EmbeddedLoader{}
	}
	return &Registry{
		loader: loader,
		tables: make(map[string]*Table),
	}
}

// Load returns the decode table for vendor from the named resource.
// Failures are not cached so a later call can succeed once the resource
// is fixed.
func (r *Registry) Load(vendor models.Vendor, resource string) (*Table, error) {
	if vendor.IsSentinel() || resource == "" {
		return nil, fmt.Errorf("%w: no table for vendor %s", ErrTableNotFound, vendor)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.tables[resource]; ok {
		return t, nil
	}

	data, err := r.loader.Load(resource)
	if err != nil {
		return nil, err
	}

	table, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", resource, err)
	}
	if table.Vendor != vendor {
		return nil, fmt.Errorf("%w: %s describes %s, expected %s", ErrMalformedTable, resource, table.Vendor, vendor)
	}

	slog.Debug("decode: table loaded", "vendor", vendor, "resource", resource, "messages", len(table.messages))
	r.tables[resource] = table
	return table, nil
}
