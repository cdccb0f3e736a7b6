package manifest

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openmast/openmast/pkg/engine"
)

// componentNamePattern matches lowercase DNS-label style names.
var componentNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)

// Document is the YAML representation of a manifest file.
type Document struct {
	ID          string            `yaml:"id" validate:"required"`
	Name        string            `yaml:"name" validate:"required"`
	Components  []ComponentDoc    `yaml:"components" validate:"required,min=1,dive"`
	Policies    []PolicyDoc       `yaml:"policies,omitempty" validate:"omitempty,dive"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty"`
}

// ComponentDoc is one component entry in a manifest file.
type ComponentDoc struct {
	Name       string         `yaml:"name" validate:"required,component_name"`
	Type       string         `yaml:"type" validate:"required"`
	Properties map[string]any `yaml:"properties,omitempty"`
	Traits     []TraitDoc     `yaml:"traits,omitempty" validate:"omitempty,dive"`
}

// TraitDoc is one trait entry attached to a component.
type TraitDoc struct {
	Name       string         `yaml:"name" validate:"required"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// PolicyDoc is one policy entry in a manifest file.
type PolicyDoc struct {
	Name       string         `yaml:"name" validate:"required"`
	Type       string         `yaml:"type" validate:"required"`
	Properties map[string]any `yaml:"properties,omitempty"`
}

// Codec parses and validates manifest documents.
type Codec struct {
	validate *validator.Validate
}

// NewCodec creates a manifest codec with the structural validation rules
// registered.
func NewCodec() (*Codec, error) {
	v := validator.New()
	if err := v.RegisterValidation("component_name", func(fl validator.FieldLevel) bool {
		return componentNamePattern.MatchString(fl.Field().String())
	}); err != nil {
		return nil, fmt.Errorf("failed to register component_name validation: %w", err)
	}
	return &Codec{validate: v}, nil
}

// Parse decodes YAML bytes into a manifest and validates it.
func (c *Codec) Parse(data []byte) (*engine.Manifest, error) {
	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, engine.NewValidationError("failed to decode manifest YAML", err)
	}

	if err := c.validate.Struct(&doc); err != nil {
		return nil, engine.NewValidationError(formatValidationError(err), err)
	}

	if err := checkUniqueNames(&doc); err != nil {
		return nil, err
	}

	return doc.toEngine(), nil
}

// ParseFile reads and parses a manifest file.
func (c *Codec) ParseFile(path string) (*engine.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	m, err := c.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Marshal encodes a manifest back to YAML.
func Marshal(m *engine.Manifest) ([]byte, error) {
	doc := fromEngine(m)
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode manifest YAML: %w", err)
	}
	return out, nil
}

// checkUniqueNames enforces manifest-wide component and policy name
// uniqueness.
func checkUniqueNames(doc *Document) error {
	seen := make(map[string]bool, len(doc.Components))
	for _, comp := range doc.Components {
		if seen[comp.Name] {
			return engine.NewValidationError(
				fmt.Sprintf("duplicate component name %q", comp.Name), nil,
			).WithComponent(comp.Name)
		}
		seen[comp.Name] = true
	}

	policies := make(map[string]bool, len(doc.Policies))
	for _, pol := range doc.Policies {
		if policies[pol.Name] {
			return engine.NewValidationError(
				fmt.Sprintf("duplicate policy name %q", pol.Name), nil,
			)
		}
		policies[pol.Name] = true
	}
	return nil
}

// formatValidationError flattens validator errors into one readable message.
func formatValidationError(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}

	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Namespace()))
		case "min":
			parts = append(parts, fmt.Sprintf("%s needs at least %s entries", fe.Namespace(), fe.Param()))
		case "component_name":
			parts = append(parts, fmt.Sprintf("%s must be a lowercase alphanumeric-hyphen name", fe.Namespace()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s validation", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}

func (doc *Document) toEngine() *engine.Manifest {
	m := &engine.Manifest{
		ID:          doc.ID,
		Name:        doc.Name,
		Labels:      doc.Labels,
		Annotations: doc.Annotations,
	}

	m.Components = make([]engine.ComponentDecl, 0, len(doc.Components))
	for _, comp := range doc.Components {
		decl := engine.ComponentDecl{
			Name:       comp.Name,
			Type:       comp.Type,
			Properties: comp.Properties,
		}
		for _, trait := range comp.Traits {
			decl.Traits = append(decl.Traits, engine.TraitRef{
				Name:       trait.Name,
				Properties: trait.Properties,
			})
		}
		m.Components = append(m.Components, decl)
	}

	for _, pol := range doc.Policies {
		m.Policies = append(m.Policies, engine.PolicyDecl{
			Name:       pol.Name,
			Type:       pol.Type,
			Properties: pol.Properties,
		})
	}
	return m
}

func fromEngine(m *engine.Manifest) *Document {
	doc := &Document{
		ID:          m.ID,
		Name:        m.Name,
		Labels:      m.Labels,
		Annotations: m.Annotations,
	}

	for _, comp := range m.Components {
		cd := ComponentDoc{
			Name:       comp.Name,
			Type:       comp.Type,
			Properties: comp.Properties,
		}
		for _, trait := range comp.Traits {
			cd.Traits = append(cd.Traits, TraitDoc{
				Name:       trait.Name,
				Properties: trait.Properties,
			})
		}
		doc.Components = append(doc.Components, cd)
	}

	for _, pol := range m.Policies {
		doc.Policies = append(doc.Policies, PolicyDoc{
			Name:       pol.Name,
			Type:       pol.Type,
			Properties: pol.Properties,
		})
	}
	return doc
}
