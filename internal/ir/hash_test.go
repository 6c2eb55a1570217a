package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personModel() ModelSpec {
	return ModelSpec{
		Name:       "Person",
		PrimaryKey: "email",
		Fields: []FieldSpec{
			{Name: "email", Type: TypeString},
			{Name: "age", Type: TypeInt},
		},
	}
}

func TestModelFingerprintIgnoresFieldOrder(t *testing.T) {
	a := personModel()
	b := personModel()
	b.Fields[0], b.Fields[1] = b.Fields[1], b.Fields[0]

	fa, err := ModelFingerprint(a)
	require.NoError(t, err)
	fb, err := ModelFingerprint(b)
	require.NoError(t, err)

	assert.Equal(t, fa, fb)
	assert.Len(t, fa, 64, "SHA-256 hex is 64 characters")
}

func TestModelFingerprintChangesWithShape(t *testing.T) {
	base := MustModelSetFingerprint([]ModelSpec{personModel()})

	typed := personModel()
	typed.Fields[1].Type = TypeString
	assert.NotEqual(t, base, MustModelSetFingerprint([]ModelSpec{typed}))

	keyed := personModel()
	keyed.PrimaryKey = ""
	assert.NotEqual(t, base, MustModelSetFingerprint([]ModelSpec{keyed}))

	indexed := personModel()
	indexed.Fields[1].Indexed = true
	assert.NotEqual(t, base, MustModelSetFingerprint([]ModelSpec{indexed}))
}

func TestModelSetFingerprintIgnoresSetOrder(t *testing.T) {
	dog := ModelSpec{Name: "Dog", Fields: []FieldSpec{{Name: "name", Type: TypeString}}}

	assert.Equal(t,
		MustModelSetFingerprint([]ModelSpec{personModel(), dog}),
		MustModelSetFingerprint([]ModelSpec{dog, personModel()}),
	)
	assert.NotEqual(t,
		MustModelSetFingerprint([]ModelSpec{personModel(), dog}),
		MustModelSetFingerprint([]ModelSpec{dog}),
	)
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainModel, data), hashWithDomain(DomainQuery, data))
}

func TestQueryFingerprint(t *testing.T) {
	q1, err := QueryFingerprint(Record{"from": String("Person"), "limit": Int(2)})
	require.NoError(t, err)
	q2, err := QueryFingerprint(Record{"limit": Int(2), "from": String("Person")})
	require.NoError(t, err)
	assert.Equal(t, q1, q2)
}
