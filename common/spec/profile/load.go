package profile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

//go:embed schema.json
var schemaJSON string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("feelix-profile.json", schemaJSON)
	})
	return schema, schemaErr
}

// Default returns the built-in profile.
func Default() *Profile {
	p, err := Parse(nil)
	if err != nil {
		panic(fmt.Sprintf("profile: embedded default is invalid: %v", err))
	}
	return p
}

// Load reads a profile overlay from path. Fields the file omits keep their
// built-in values, so an operator can override just the persona prompt.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("profile: read %s: %w", path, err)
	}
	p, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("profile: %s: %w", path, err)
	}
	return p, nil
}

// Parse applies the overlay document on top of the built-in profile and
// validates the result. A nil or empty overlay yields the default.
func Parse(overlay []byte) (*Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(defaultYAML, &p); err != nil {
		return nil, fmt.Errorf("parse default: %w", err)
	}
	if len(bytes.TrimSpace(overlay)) > 0 {
		// Sequences replace rather than merge, so an overlay listing
		// survey questions must list all four.
		if err := yaml.Unmarshal(overlay, &p); err != nil {
			return nil, fmt.Errorf("parse: %w", err)
		}
	}
	if err := Validate(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks p against the embedded JSON Schema and the constraints
// the schema cannot express.
func Validate(p *Profile) error {
	if p == nil {
		return fmt.Errorf("profile must not be nil")
	}
	sch, err := compiledSchema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode for validation: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("decode for validation: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}

	labels := map[string]string{}
	for field, label := range map[string]string{
		"menu.premium":       p.Menu.Premium,
		"menu.feedback":      p.Menu.Feedback,
		"menu.clearHistory":  p.Menu.ClearHistory,
		"menu.freeTrial":     p.Menu.FreeTrial,
		"menu.getFeedback":   p.Menu.GetFeedback,
		"menu.addPremium":    p.Menu.AddPremium,
		"gender.male":        p.Gender.Male,
		"gender.female":      p.Gender.Female,
		"gender.undisclosed": p.Gender.Undisclosed,
	} {
		key := strings.TrimSpace(label)
		if prev, dup := labels[key]; dup {
			return fmt.Errorf("invalid profile: %s and %s share the label %q", prev, field, label)
		}
		labels[key] = field
	}
	return nil
}

// IsMenuLabel reports whether text is one of the menu button labels.
func (p *Profile) IsMenuLabel(text string) bool {
	text = strings.TrimSpace(text)
	switch text {
	case p.Menu.Premium, p.Menu.Feedback, p.Menu.ClearHistory,
		p.Menu.FreeTrial, p.Menu.GetFeedback, p.Menu.AddPremium:
		return true
	}
	return false
}

// Gender slugs stored for a user.
const (
	GenderMale        = "male"
	GenderFemale      = "female"
	GenderUndisclosed = "undisclosed"
)

// GenderFromLabel maps an onboarding button label to its gender slug.
func (p *Profile) GenderFromLabel(text string) (string, bool) {
	switch strings.TrimSpace(text) {
	case p.Gender.Male:
		return GenderMale, true
	case p.Gender.Female:
		return GenderFemale, true
	case p.Gender.Undisclosed:
		return GenderUndisclosed, true
	}
	return "", false
}

// GenderHintFor renders the persona gender hint for a gender slug, or ""
// when the gender is unset or undisclosed.
func (p *Profile) GenderHintFor(slug string) string {
	var label string
	switch slug {
	case GenderMale:
		label = p.Gender.Male
	case GenderFemale:
		label = p.Gender.Female
	default:
		return ""
	}
	return fmt.Sprintf(p.Persona.GenderHint, strings.ToLower(label))
}
