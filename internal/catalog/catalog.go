package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the read-only field list of one dataset. It is safe to share
// across sessions because nothing mutates it after NewCatalog returns.
type Catalog struct {
	datasetID string
	fields    []FieldDescriptor
	byName    map[string]int
}

// Source fetches field catalogs from the dataset service
type Source interface {
	FetchFieldCatalog(ctx context.Context, datasetID string) ([]FieldDescriptor, error)
}

// NewCatalog builds a catalog. Field names must be non-empty and unique.
func NewCatalog(datasetID string, fields []FieldDescriptor) (*Catalog, error) {
	c := &Catalog{
		datasetID: datasetID,
		fields:    make([]FieldDescriptor, 0, len(fields)),
		byName:    make(map[string]int, len(fields)),
	}
	for _, f := range fields {
		if strings.TrimSpace(f.Name) == "" {
			return nil, fmt.Errorf("dataset %s: field with empty name", datasetID)
		}
		if _, dup := c.byName[f.Name]; dup {
			return nil, fmt.Errorf("dataset %s: duplicate field %q", datasetID, f.Name)
		}
		c.byName[f.Name] = len(c.fields)
		c.fields = append(c.fields, f)
	}
	return c, nil
}

// Fetch loads the catalog of a dataset through a Source
func Fetch(ctx context.Context, src Source, datasetID string) (*Catalog, error) {
	fields, err := src.FetchFieldCatalog(ctx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("fetch field catalog %s: %w", datasetID, err)
	}
	return NewCatalog(datasetID, fields)
}

// DatasetID returns the dataset the catalog belongs to
func (c *Catalog) DatasetID() string {
	return c.datasetID
}

// Len returns the number of fields
func (c *Catalog) Len() int {
	return len(c.fields)
}

// Fields returns a copy of the descriptors in dataset order
func (c *Catalog) Fields() []FieldDescriptor {
	out := make([]FieldDescriptor, len(c.fields))
	copy(out, c.fields)
	return out
}

// Lookup finds a field by name
func (c *Catalog) Lookup(name string) (FieldDescriptor, bool) {
	i, ok := c.byName[name]
	if !ok {
		return FieldDescriptor{}, false
	}
	return c.fields[i], true
}

// Contains reports whether the catalog holds a field identical to f
func (c *Catalog) Contains(f FieldDescriptor) bool {
	got, ok := c.Lookup(f.Name)
	return ok && got == f
}

// ByRole returns the fields with the given role, in dataset order
func (c *Catalog) ByRole(role Role) []FieldDescriptor {
	var out []FieldDescriptor
	for _, f := range c.fields {
		if f.Role == role {
			out = append(out, f)
		}
	}
	return out
}

// catalogFile is the on-disk shape used for fixtures and the validate command
type catalogFile struct {
	Dataset string            `yaml:"dataset"`
	Fields  []FieldDescriptor `yaml:"fields"`
}

// ParseYAML decodes a catalog document:
//
//	dataset: sales
//	fields:
//	  - {name: region, type: VARCHAR(64), role: d}
//	  - {name: amount, type: DECIMAL, role: q}
func ParseYAML(data []byte) (*Catalog, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, fmt.Errorf("catalog: document is empty")
	}
	var doc catalogFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("catalog: decode: %w", err)
	}
	if doc.Dataset == "" {
		return nil, fmt.Errorf("catalog: dataset is required")
	}
	return NewCatalog(doc.Dataset, doc.Fields)
}

// LoadYAML reads and decodes a catalog file
func LoadYAML(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	return ParseYAML(data)
}
