package eventlog

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"codexplane.io/controlplane/internal/domain"
)

func TestNormalizePayloadInjectsSchemaVersion(t *testing.T) {
	p := NormalizePayload(map[string]interface{}{"a": 1})
	require.Equal(t, domain.SchemaVersion, p["schema_version"])
	require.Equal(t, 1, p["a"])
}

func TestNormalizePayloadKeepsExistingVersion(t *testing.T) {
	p := NormalizePayload(map[string]interface{}{"schema_version": 7})
	require.Equal(t, 7, p["schema_version"])
}

func TestNormalizePayloadDoesNotMutateInput(t *testing.T) {
	in := map[string]interface{}{"a": 1}
	_ = NormalizePayload(in)
	_, ok := in["schema_version"]
	require.False(t, ok, "input payload must not be mutated")
}

func TestNormalizePayloadNilInput(t *testing.T) {
	p := NormalizePayload(nil)
	require.Equal(t, domain.SchemaVersion, p["schema_version"])
}

func TestCanonicalJSONSortsKeys(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{
		"b": 2,
		"a": map[string]interface{}{"z": true, "y": "x"},
	})
	require.NoError(t, err)
	require.Equal(t, `{"a":{"y":"x","z":true},"b":2}`, string(got))
}

func TestPayloadHashIsKeyOrderIndependent(t *testing.T) {
	h1, err := PayloadHash(map[string]interface{}{"a": 1, "b": "two"})
	require.NoError(t, err)
	h2, err := PayloadHash(map[string]interface{}{"b": "two", "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	sum := sha256.Sum256([]byte(`{"a":1,"b":"two"}`))
	require.Equal(t, hex.EncodeToString(sum[:]), h1)
}
