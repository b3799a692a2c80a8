package stack

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"stageline/internal/domain"
)

// ErrMalformedDefinition is returned when a stack document cannot be parsed or is structurally invalid.
var ErrMalformedDefinition = errors.New("malformed stack definition")

// rawStage keeps the pointer fields so that a missing key can be told apart from a zero value.
type rawStage struct {
	ID               *string `yaml:"id" validate:"required,min=1"`
	ApprovalRequired *bool   `yaml:"approval_required" validate:"required"`
	Description      string  `yaml:"description"`
}

type rawDocument struct {
	Name     string     `yaml:"name"`
	Sequence []rawStage `yaml:"sequence" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Load reads the stack document at path.
func Load(path string) (domain.StackDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.StackDefinition{}, fmt.Errorf("%w: %s not found", ErrMalformedDefinition, path)
		}
		return domain.StackDefinition{}, fmt.Errorf("read stack %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return domain.StackDefinition{}, fmt.Errorf("%s: %w", path, err)
	}
	if def.Name == "" {
		def.Name = NameFromPath(path)
	}
	return def, nil
}

// Parse decodes a stack document from YAML (or JSON) bytes.
func Parse(data []byte) (domain.StackDefinition, error) {
	var doc rawDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return domain.StackDefinition{}, fmt.Errorf("%w: %v", ErrMalformedDefinition, err)
	}
	if err := validate.Struct(doc); err != nil {
		return domain.StackDefinition{}, fmt.Errorf("%w: %s", ErrMalformedDefinition, describe(err))
	}
	def := domain.StackDefinition{Name: strings.TrimSpace(doc.Name)}
	seen := make(map[string]bool, len(doc.Sequence))
	for i, s := range doc.Sequence {
		id := strings.TrimSpace(*s.ID)
		if id == "" {
			return domain.StackDefinition{}, fmt.Errorf("%w: sequence[%d].id is empty", ErrMalformedDefinition, i)
		}
		if seen[id] {
			return domain.StackDefinition{}, fmt.Errorf("%w: duplicate stage id %q", ErrMalformedDefinition, id)
		}
		seen[id] = true
		def.Sequence = append(def.Sequence, domain.StageSpec{
			ID:               id,
			ApprovalRequired: *s.ApprovalRequired,
			Description:      s.Description,
		})
	}
	return def, nil
}

// NameFromPath derives a stack name from its file name.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "rawDocument.")
		parts = append(parts, fmt.Sprintf("%s failed %s", fieldPath(field), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// fieldPath turns validator namespaces into document keys, e.g. Sequence[0].ApprovalRequired -> sequence[0].approval_required.
func fieldPath(ns string) string {
	replacer := strings.NewReplacer("Sequence", "sequence", "ApprovalRequired", "approval_required", "ID", "id")
	return replacer.Replace(ns)
}
