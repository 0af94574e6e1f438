package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringListRoundTrip(t *testing.T) {
	bubbles := StringList{"hi", "how are you"}

	value, err := bubbles.Value()
	require.NoError(t, err)

	var scanned StringList
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, bubbles, scanned)
}

func TestStringListNil(t *testing.T) {
	var l StringList
	value, err := l.Value()
	require.NoError(t, err)
	assert.Nil(t, value)

	var scanned StringList
	require.NoError(t, scanned.Scan(nil))
	assert.Nil(t, scanned)
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := Metadata{"source": "chat", "turns": float64(3), "tags": []interface{}{"a", "b"}}

	value, err := meta.Value()
	require.NoError(t, err)

	var scanned Metadata
	require.NoError(t, scanned.Scan(value))
	assert.Equal(t, meta, scanned)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		msg   string
		class ErrorClass
	}{
		{`ERROR: duplicate key value violates unique constraint "idx_user"`, ClassConstraint},
		{"ERROR: deadlock detected (SQLSTATE 40P01)", ClassDeadlock},
		{"dial tcp 10.0.0.5:5432: connection refused", ClassConnLoss},
		{"write: broken pipe", ClassConnLoss},
		{"canceling statement due to statement timeout", ClassTimeout},
		{"something else entirely", ClassOther},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.class, Classify(errString(tc.msg)), tc.msg)
	}
}

type errString string

func (e errString) Error() string { return string(e) }
