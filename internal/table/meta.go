// Package table ties one table's metadata, heap file and indexes
// together. Metadata is a small YAML file next to the data file; the
// row layout is fixed-size fields at fixed offsets, with the
// transaction kit's invisible fields first.
package table

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tvhung83/stonesql/internal/record"
)

// FieldSpec is what a caller provides when creating a table.
type FieldSpec struct {
	Name string
	Type record.AttrType
	Len  int32
}

// FieldMeta is one column of the stored row layout.
type FieldMeta struct {
	Name    string          `yaml:"name"`
	Type    record.AttrType `yaml:"type"`
	Offset  int32           `yaml:"offset"`
	Len     int32           `yaml:"len"`
	Visible bool            `yaml:"visible"`
}

// IndexMeta names an index and the field it covers.
type IndexMeta struct {
	Name      string `yaml:"name"`
	FieldName string `yaml:"field_name"`
}

// TableMeta is the persisted description of a table.
type TableMeta struct {
	TableID       int32                `yaml:"table_id"`
	Name          string               `yaml:"name"`
	StorageFormat record.StorageFormat `yaml:"storage_format"`
	RecordSize    int32                `yaml:"record_size"`
	Fields        []FieldMeta          `yaml:"fields"`
	Indexes       []IndexMeta          `yaml:"indexes"`
}

// NewTableMeta lays out the row: the transaction kit's invisible
// fields first, then the user fields, all at fixed offsets.
func NewTableMeta(tableID int32, name string, trxFields, userFields []FieldSpec, format record.StorageFormat) (*TableMeta, error) {
	if name == "" {
		return nil, fmt.Errorf("table: empty table name")
	}
	if len(userFields) == 0 {
		return nil, fmt.Errorf("table: table %s has no fields", name)
	}

	meta := &TableMeta{
		TableID:       tableID,
		Name:          name,
		StorageFormat: format,
	}
	var offset int32
	for _, f := range trxFields {
		meta.Fields = append(meta.Fields, FieldMeta{
			Name: f.Name, Type: f.Type, Offset: offset, Len: f.Len, Visible: false,
		})
		offset += f.Len
	}
	for _, f := range userFields {
		if f.Len <= 0 {
			return nil, fmt.Errorf("table: field %s.%s has length %d", name, f.Name, f.Len)
		}
		meta.Fields = append(meta.Fields, FieldMeta{
			Name: f.Name, Type: f.Type, Offset: offset, Len: f.Len, Visible: true,
		})
		offset += f.Len
	}
	meta.RecordSize = offset
	return meta, nil
}

// Field finds a field by name.
func (m *TableMeta) Field(name string) (*FieldMeta, error) {
	for i := range m.Fields {
		if m.Fields[i].Name == name {
			return &m.Fields[i], nil
		}
	}
	return nil, fmt.Errorf("table: %s has no field %s", m.Name, name)
}

// TrxFields returns the invisible leading fields.
func (m *TableMeta) TrxFields() []FieldMeta {
	var out []FieldMeta
	for _, f := range m.Fields {
		if !f.Visible {
			out = append(out, f)
		}
	}
	return out
}

// ColumnLens lists every field length in layout order, for the record
// manager's PAX column index.
func (m *TableMeta) ColumnLens() record.ColumnLens {
	lens := make(record.ColumnLens, 0, len(m.Fields))
	for _, f := range m.Fields {
		lens = append(lens, f.Len)
	}
	return lens
}

// Index finds an index by name.
func (m *TableMeta) Index(name string) *IndexMeta {
	for i := range m.Indexes {
		if m.Indexes[i].Name == name {
			return &m.Indexes[i]
		}
	}
	return nil
}

// Save writes the metadata file.
func (m *TableMeta) Save(path string) error {
	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("table: marshal meta for %s: %w", m.Name, err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("table: write meta %s: %w", path, err)
	}
	return nil
}

// LoadTableMeta reads a metadata file back.
func LoadTableMeta(path string) (*TableMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("table: read meta %s: %w", path, err)
	}
	var meta TableMeta
	if err := yaml.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("table: unmarshal meta %s: %w", path, err)
	}
	return &meta, nil
}
