package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonical_SortsKeys(t *testing.T) {
	out, err := Canonical(map[string]interface{}{
		"zebra": 1,
		"alpha": 2,
		"mid":   3,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":2,"mid":3,"zebra":1}`, string(out))
}

func TestCanonical_StructTagsRespected(t *testing.T) {
	type payload struct {
		B string `json:"b"`
		A string `json:"a"`
		C string `json:"c,omitempty"`
	}
	out, err := Canonical(payload{B: "two", A: "one"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"one","b":"two"}`, string(out))
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]interface{}{
		"action":    "ec2:stop_instances",
		"resources": []string{"i-001", "i-002"},
		"count":     2,
	}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Contains(t, h1, "sha256:")
}

func TestHash_DiffersOnContentChange(t *testing.T) {
	h1, err := Hash(map[string]string{"k": "v1"})
	require.NoError(t, err)
	h2, err := Hash(map[string]string{"k": "v2"})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestCanonical_NoHTMLEscaping(t *testing.T) {
	out, err := Canonical(map[string]string{"q": "a<b>&c"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}
