// Package dataset defines the extraction datasets: which filings and items
// to read, what to ask the extraction service, and the output schema.
package dataset

import (
	_ "embed"
	"os"
	"regexp"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/filing-facts/internal/model"
	"github.com/sells-group/filing-facts/internal/section"
)

//go:embed datasets.yaml
var builtin []byte

// FieldType is the value type of a schema field.
type FieldType string

// Supported field types.
const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeNumber  FieldType = "number"
	TypeDate    FieldType = "date"
	TypeEnum    FieldType = "enum"
)

// Field is one output column produced by extraction.
type Field struct {
	Name        string    `yaml:"name"`
	Type        FieldType `yaml:"type"`
	Description string    `yaml:"description"`
	Enum        []string  `yaml:"enum,omitempty"`
}

// Schema is the ordered set of fields extracted per record. Primary names the
// field whose non-blank value marks a record as real.
type Schema struct {
	Fields  []Field
	Primary string
}

// Names returns the field names in declaration order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Field returns the named field.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Tier selects the extraction model.
type Tier string

// Model tiers.
const (
	TierFast    Tier = "fast"
	TierCapable Tier = "capable"
)

// Gateway tunes the extraction service for a dataset.
type Gateway struct {
	Tier           Tier  `yaml:"tier"`
	RPM            int   `yaml:"rpm"`
	MaxConcurrent  int   `yaml:"max_concurrent"`
	TimeoutSecs    int   `yaml:"timeout_secs"`
	MaxTokens      int64 `yaml:"max_tokens"`
	BatchThreshold int   `yaml:"batch_threshold"`
}

// Timeout returns the per-call timeout.
func (g Gateway) Timeout() time.Duration {
	return time.Duration(g.TimeoutSecs) * time.Second
}

// Dataset is one resumable extraction target.
type Dataset struct {
	Name            string   `yaml:"name"`
	Description     string   `yaml:"description"`
	SubmissionTypes []string `yaml:"submission_types"`
	DocumentTypes   []string `yaml:"document_types"`
	Extensions      []string `yaml:"extensions"`
	Items           []string `yaml:"items"`
	StartDate       string   `yaml:"start_date"`
	PrimaryField    string   `yaml:"primary_field"`
	Prompt          string   `yaml:"prompt"`
	Fields          []Field  `yaml:"fields"`
	Gateway         Gateway  `yaml:"gateway"`
}

// Schema returns the dataset's extraction schema.
func (d *Dataset) Schema() Schema {
	return Schema{Fields: slices.Clone(d.Fields), Primary: d.PrimaryField}
}

// Start parses the dataset's default start date.
func (d *Dataset) Start() (time.Time, error) {
	t, err := time.Parse(model.DateLayout, d.StartDate)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "dataset: %s: start_date", d.Name)
	}
	return t, nil
}

// Registry holds datasets by name in definition order.
type Registry struct {
	datasets map[string]*Dataset
	order    []string
}

// Get returns a dataset by name.
func (r *Registry) Get(name string) (*Dataset, error) {
	d, ok := r.datasets[name]
	if !ok {
		return nil, eris.Errorf("dataset: unknown dataset %q", name)
	}
	return d, nil
}

// All returns all datasets in definition order.
func (r *Registry) All() []*Dataset {
	out := make([]*Dataset, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.datasets[name])
	}
	return out
}

// Load reads dataset definitions from path, or the built-in definitions when
// path is empty.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Parse(builtin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "dataset: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates dataset definitions.
func Parse(data []byte) (*Registry, error) {
	var wrapper struct {
		Datasets []*Dataset `yaml:"datasets"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "dataset: parse definitions")
	}
	if len(wrapper.Datasets) == 0 {
		return nil, eris.New("dataset: no datasets defined")
	}

	r := &Registry{datasets: make(map[string]*Dataset)}
	for _, d := range wrapper.Datasets {
		applyDefaults(d)
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.datasets[d.Name]; dup {
			return nil, eris.Errorf("dataset: duplicate dataset %q", d.Name)
		}
		r.datasets[d.Name] = d
		r.order = append(r.order, d.Name)
	}
	return r, nil
}

func applyDefaults(d *Dataset) {
	if len(d.Extensions) == 0 {
		d.Extensions = []string{".htm", ".html"}
	}
	if len(d.DocumentTypes) == 0 {
		d.DocumentTypes = slices.Clone(d.SubmissionTypes)
	}
	if d.Gateway.Tier == "" {
		d.Gateway.Tier = TierFast
	}
	if d.Gateway.RPM <= 0 {
		d.Gateway.RPM = 4000
	}
	if d.Gateway.MaxConcurrent <= 0 {
		d.Gateway.MaxConcurrent = 20
	}
	if d.Gateway.TimeoutSecs <= 0 {
		d.Gateway.TimeoutSecs = 60
	}
}

var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

func (d *Dataset) validate() error {
	if !namePattern.MatchString(d.Name) {
		return eris.Errorf("dataset: invalid name %q (want lower_snake_case)", d.Name)
	}
	if len(d.SubmissionTypes) == 0 {
		return eris.Errorf("dataset: %s: submission_types is required", d.Name)
	}
	if len(d.Items) == 0 {
		return eris.Errorf("dataset: %s: items is required", d.Name)
	}
	for _, it := range d.Items {
		if !section.ValidItem(it) {
			return eris.Errorf("dataset: %s: invalid item %q", d.Name, it)
		}
	}
	if d.Prompt == "" {
		return eris.Errorf("dataset: %s: prompt is required", d.Name)
	}
	if _, err := d.Start(); err != nil {
		return err
	}
	if d.Gateway.Tier != TierFast && d.Gateway.Tier != TierCapable {
		return eris.Errorf("dataset: %s: unknown tier %q", d.Name, d.Gateway.Tier)
	}
	if len(d.Fields) == 0 {
		return eris.Errorf("dataset: %s: fields is required", d.Name)
	}

	seen := make(map[string]bool, len(d.Fields))
	for _, f := range d.Fields {
		if !namePattern.MatchString(f.Name) {
			return eris.Errorf("dataset: %s: invalid field name %q", d.Name, f.Name)
		}
		if seen[f.Name] || slices.Contains(model.IdentityColumns, f.Name) || f.Name == model.ColumnID {
			return eris.Errorf("dataset: %s: field %q is duplicated or reserved", d.Name, f.Name)
		}
		seen[f.Name] = true

		switch f.Type {
		case TypeString, TypeInteger, TypeNumber, TypeDate:
		case TypeEnum:
			if len(f.Enum) == 0 {
				return eris.Errorf("dataset: %s: enum field %q has no values", d.Name, f.Name)
			}
		default:
			return eris.Errorf("dataset: %s: field %q has unknown type %q", d.Name, f.Name, f.Type)
		}
	}
	if !seen[d.PrimaryField] {
		return eris.Errorf("dataset: %s: primary_field %q is not a declared field", d.Name, d.PrimaryField)
	}
	return nil
}
