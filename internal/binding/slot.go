package binding

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cozy-insight/composer/internal/catalog"
)

// RoleSet is the set of field roles a slot accepts
type RoleSet uint8

const (
	// Dimensions accepts dimension fields only
	Dimensions RoleSet = 1 << iota
	// Measures accepts measure fields only
	Measures
	// AnyRole accepts both dimensions and measures
	AnyRole = Dimensions | Measures
)

func roleBit(r catalog.Role) RoleSet {
	if r == catalog.RoleMeasure {
		return Measures
	}
	return Dimensions
}

// Has reports whether the set contains role r
func (s RoleSet) Has(r catalog.Role) bool {
	return s&roleBit(r) != 0
}

// Roles lists the members in a stable order
func (s RoleSet) Roles() []catalog.Role {
	var out []catalog.Role
	if s&Dimensions != 0 {
		out = append(out, catalog.RoleDimension)
	}
	if s&Measures != 0 {
		out = append(out, catalog.RoleMeasure)
	}
	return out
}

// MarshalJSON encodes the set as a list of role names
func (s RoleSet) MarshalJSON() ([]byte, error) {
	roles := s.Roles()
	if roles == nil {
		roles = []catalog.Role{}
	}
	return json.Marshal(roles)
}

// UnmarshalJSON decodes a list of role names
func (s *RoleSet) UnmarshalJSON(data []byte) error {
	var roles []catalog.Role
	if err := json.Unmarshal(data, &roles); err != nil {
		return err
	}
	*s = 0
	for _, r := range roles {
		*s |= roleBit(r)
	}
	return nil
}

// Cardinality is how many fields a slot holds
type Cardinality int

const (
	// One means the slot holds exactly one field when populated
	One Cardinality = iota
	// Many means the slot holds one or more fields when populated
	Many
)

// String returns ONE or MANY
func (c Cardinality) String() string {
	if c == Many {
		return "MANY"
	}
	return "ONE"
}

// MarshalJSON encodes the cardinality by name
func (c Cardinality) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.String())
}

// UnmarshalJSON decodes ONE or MANY
func (c *Cardinality) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch strings.ToUpper(raw) {
	case "ONE":
		*c = One
	case "MANY":
		*c = Many
	default:
		return fmt.Errorf("unknown cardinality %q", raw)
	}
	return nil
}

// SlotSpec is one row of a chart type's slot table
type SlotSpec struct {
	ID          string      `json:"slotId"`
	Label       string      `json:"label"`
	Allowed     RoleSet     `json:"allowedRoles"`
	Required    bool        `json:"required"`
	Cardinality Cardinality `json:"cardinality"`
}

// SpecSource resolves the slot table of a chart type
type SpecSource interface {
	SlotSpecs(chartType string) ([]SlotSpec, bool)
}

// Specs is a static chart type to slot table map
type Specs map[string][]SlotSpec

// SlotSpecs implements SpecSource
func (s Specs) SlotSpecs(chartType string) ([]SlotSpec, bool) {
	specs, ok := s[chartType]
	return specs, ok
}

// CheckSpecs rejects slot tables that could never be satisfied or addressed
func CheckSpecs(specs []SlotSpec) error {
	seen := make(map[string]bool, len(specs))
	for i, spec := range specs {
		if strings.TrimSpace(spec.ID) == "" {
			return fmt.Errorf("slot %d: empty slot id", i)
		}
		if seen[spec.ID] {
			return fmt.Errorf("slot %q declared twice", spec.ID)
		}
		if spec.Allowed == 0 {
			return fmt.Errorf("slot %q accepts no roles", spec.ID)
		}
		seen[spec.ID] = true
	}
	return nil
}

func findSpec(specs []SlotSpec, slot string) (SlotSpec, bool) {
	for _, spec := range specs {
		if spec.ID == slot {
			return spec, true
		}
	}
	return SlotSpec{}, false
}
