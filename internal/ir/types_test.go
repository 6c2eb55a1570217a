package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelSpecValidate(t *testing.T) {
	assert.Empty(t, personModel().Validate())

	bad := ModelSpec{
		Name:       "1bad",
		PrimaryKey: "missing",
		Fields: []FieldSpec{
			{Name: "x", Type: "float"},
			{Name: "x", Type: TypeInt},
		},
	}
	errs := bad.Validate()
	var msgs []string
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	assert.Len(t, errs, 4)
	assert.Contains(t, msgs, `name: invalid model name "1bad"`)
	assert.Contains(t, msgs, `1bad.primary_key: unknown field "missing"`)
}

func TestModelSpecValidatePrimaryKeyType(t *testing.T) {
	m := ModelSpec{
		Name:       "Doc",
		PrimaryKey: "body",
		Fields:     []FieldSpec{{Name: "body", Type: TypeRecord}},
	}
	errs := m.Validate()
	assert.Len(t, errs, 1)
	assert.Equal(t, "primary key must be a string or int field", errs[0].Message)
}

func TestModelSpecValidateNoFields(t *testing.T) {
	errs := ModelSpec{Name: "Empty"}.Validate()
	assert.Len(t, errs, 1)
}

func TestFieldTypeAccepts(t *testing.T) {
	assert.True(t, TypeString.Accepts(String("a")))
	assert.False(t, TypeString.Accepts(Int(1)))
	assert.True(t, TypeList.Accepts(List{}))
	assert.True(t, TypeRecord.Accepts(Record{}))
	assert.False(t, TypeBool.Accepts(Null{}))
}

func TestFieldTypeZero(t *testing.T) {
	assert.Equal(t, String(""), TypeString.Zero())
	assert.Equal(t, Int(0), TypeInt.Zero())
	assert.Equal(t, Bool(false), TypeBool.Zero())
	assert.Equal(t, List{}, TypeList.Zero())
	assert.Equal(t, Record{}, TypeRecord.Zero())
}

func TestObjectGet(t *testing.T) {
	o := Object{Ref: RowRef{Model: "Person", ID: 3}, Fields: Record{"age": Int(4)}}
	assert.Equal(t, Int(4), o.Get("age"))
	assert.Equal(t, Null{}, o.Get("nope"))
	assert.Equal(t, "Person#3", o.Ref.String())
}
