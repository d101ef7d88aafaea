package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "slot and field",
			err:  NewRoleMismatch("category", "amount", "MEASURE"),
			want: "RoleMismatch (slot category, field amount): does not accept MEASURE fields",
		},
		{
			name: "filter index",
			err:  NewInvalidOperator("name", "gt", "TEXT").At(2),
			want: `InvalidOperator (field name, filter #2): operator "gt" is not available for TEXT fields`,
		},
		{
			name: "no location",
			err:  NewUnknownChartType("sankey"),
			want: `UnknownChartType: chart type "sankey" is not registered`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestIsKind(t *testing.T) {
	err := NewMissingRequiredSlot("value")
	assert.True(t, IsKind(err, MissingRequiredSlot))
	assert.False(t, IsKind(err, RoleMismatch))

	wrapped := fmt.Errorf("assign: %w", err)
	assert.True(t, IsKind(wrapped, MissingRequiredSlot))
	assert.True(t, errors.Is(wrapped, &Error{Kind: MissingRequiredSlot}))

	agg := NewErrors()
	agg.Add(NewCardinalityViolation("category", 2))
	agg.Add(NewUnknownField("gone"))
	assert.True(t, IsKind(agg, UnknownField))
	assert.False(t, IsKind(agg, RoleMismatch))

	assert.False(t, IsKind(errors.New("plain"), UnknownField))
	assert.False(t, IsKind(nil, UnknownField))
}

func TestErrors_Aggregate(t *testing.T) {
	agg := NewErrors()
	assert.False(t, agg.HasErrors())
	assert.Nil(t, agg.ErrOrNil())
	assert.Nil(t, agg.First())
	assert.Equal(t, "validation failed", agg.Error())

	agg.Add(nil)
	agg.Add(NewMissingRequiredSlot("value"))
	assert.Equal(t, 1, agg.Count())
	assert.Equal(t, "validation failed: MissingRequiredSlot (slot value): is required", agg.Error())

	other := NewErrors()
	other.Add(NewUnknownField("region").At(0))
	agg.Merge(other)
	agg.Merge(NewUnknownSlot("angle", "bar"))
	agg.Merge(nil)
	assert.Equal(t, 3, agg.Count())
	assert.Equal(t, MissingRequiredSlot, agg.First().Kind)

	fields := agg.Fields()
	assert.Contains(t, fields, "value")
	assert.Contains(t, fields, "filters[0]")
	assert.Contains(t, fields, "angle")
}

func TestErrors_MarshalJSON(t *testing.T) {
	agg := NewErrors()
	agg.Add(NewRoleMismatch("category", "amount", "MEASURE"))

	data, err := json.Marshal(agg)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "validation_failed", decoded["error"])

	items := decoded["errors"].([]interface{})
	require.Len(t, items, 1)
	first := items[0].(map[string]interface{})
	assert.Equal(t, "RoleMismatch", first["kind"])
	assert.Equal(t, "category", first["slot"])
	assert.Equal(t, "amount", first["field"])
}
