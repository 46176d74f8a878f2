package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidator_RequiredFieldMissing(t *testing.T) {
	v := CompileValidator(ParamSchema{"name": String("required name")})
	_, errs := v.Validate(map[string]any{})
	require.Len(t, errs, 1)
	assert.Equal(t, "name", errs[0].Path)
}

func TestValidator_OptionalFieldMayBeAbsent(t *testing.T) {
	v := CompileValidator(ParamSchema{"name": String("optional name").Opt()})
	out, errs := v.Validate(map[string]any{})
	assert.Empty(t, errs)
	_, present := out["name"]
	assert.False(t, present)
}

func TestValidator_DropsUndeclaredKeys(t *testing.T) {
	v := CompileValidator(ParamSchema{"name": String("n").Opt()})
	out, errs := v.Validate(map[string]any{"name": "ada", "extra": "drop me"})
	assert.Empty(t, errs)
	_, present := out["extra"]
	assert.False(t, present)
}

func TestValidator_StringLengthBounds(t *testing.T) {
	v := CompileValidator(ParamSchema{"title": String("t").WithMinLen(3).WithMaxLen(5)})

	_, errs := v.Validate(map[string]any{"title": "ab"})
	require.Len(t, errs, 1)

	_, errs = v.Validate(map[string]any{"title": "abcdef"})
	require.Len(t, errs, 1)

	_, errs = v.Validate(map[string]any{"title": "abcd"})
	assert.Empty(t, errs)
}

func TestValidator_NumberRangeBounds(t *testing.T) {
	v := CompileValidator(ParamSchema{"age": Number("a").WithMin(0).WithMax(120)})

	_, errs := v.Validate(map[string]any{"age": -1.0})
	require.Len(t, errs, 1)

	out, errs := v.Validate(map[string]any{"age": 42.0})
	assert.Empty(t, errs)
	assert.Equal(t, 42.0, out["age"])
}

func TestValidator_EnumRejectsOutOfSetValue(t *testing.T) {
	v := CompileValidator(ParamSchema{"status": Enum("s", "open", "closed")})

	_, errs := v.Validate(map[string]any{"status": "archived"})
	require.Len(t, errs, 1)

	out, errs := v.Validate(map[string]any{"status": "open"})
	assert.Empty(t, errs)
	assert.Equal(t, "open", out["status"])
}

func TestValidator_ArrayItemBoundsAndCoercion(t *testing.T) {
	v := CompileValidator(ParamSchema{
		"tags": Array("t", String("tag")).WithMinItems(1).WithMaxItems(2),
	})

	_, errs := v.Validate(map[string]any{"tags": []any{}})
	require.Len(t, errs, 1)

	_, errs = v.Validate(map[string]any{"tags": []any{"a", "b", "c"}})
	require.Len(t, errs, 1)

	out, errs := v.Validate(map[string]any{"tags": []any{"a", "b"}})
	assert.Empty(t, errs)
	assert.Equal(t, []any{"a", "b"}, out["tags"])
}

func TestValidator_TypeMismatchIsRejected(t *testing.T) {
	v := CompileValidator(ParamSchema{"count": Number("c")})
	_, errs := v.Validate(map[string]any{"count": "not a number"})
	require.Len(t, errs, 1)
}

func TestParamSchema_RequiredSortedAndOptionalExcluded(t *testing.T) {
	s := ParamSchema{
		"z": String("z"),
		"a": String("a"),
		"m": String("m").Opt(),
	}
	assert.Equal(t, []string{"a", "z"}, s.Required())
}

func TestParamSchema_CloneIsIndependent(t *testing.T) {
	s := ParamSchema{"a": String("a")}
	c := s.Clone()
	c["b"] = String("b")
	_, presentInOriginal := s["b"]
	assert.False(t, presentInOriginal)
}

func TestCheckCompatible_SameTypeIsFine(t *testing.T) {
	err := CheckCompatible("tool", "x", "a1", String("s1"), "a2", String("s2"))
	assert.NoError(t, err)
}

func TestCheckCompatible_MismatchedTypeFails(t *testing.T) {
	err := CheckCompatible("tool", "x", "a1", String("s"), "a2", Number("n"))
	require.Error(t, err)
	var cerr *CompatibilityError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, "tool", cerr.Tool)
}

func TestCheckCompatible_EnumValueSetMismatchFails(t *testing.T) {
	err := CheckCompatible("tool", "status", "a1", Enum("s", "open", "closed"), "a2", Enum("s", "open"))
	require.Error(t, err)
}

func TestCheckCompatible_IntegerAndNumberShareNormalizedType(t *testing.T) {
	err := CheckCompatible("tool", "x", "a1", Integer("i"), "a2", Number("n"))
	assert.NoError(t, err)
}
