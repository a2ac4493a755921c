package codec

import (
	"encoding/json"
	"testing"

	"github.com/gaborcsardi/mirai/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type extRef struct {
	Payload []byte `json:"payload"`
}

func extRefCodec() Codec {
	return Codec{
		Serialize: func(obj any) ([]byte, error) {
			return json.Marshal(obj)
		},
		Deserialize: func(blob []byte) (any, error) {
			var ref extRef
			err := json.Unmarshal(blob, &ref)
			return ref, err
		},
	}
}

func TestRegisterValidation(t *testing.T) {
	registry := NewRegistry()

	assert.Error(t, registry.Register("", extRefCodec()))
	assert.Error(t, registry.Register("ExtRef", Codec{}))
	assert.NoError(t, registry.Register("ExtRef", extRefCodec()))

	_, ok := registry.Lookup("ExtRef")
	assert.True(t, ok)

	registry.Unregister("ExtRef")
	_, ok = registry.Lookup("ExtRef")
	assert.False(t, ok)
}

func TestTagSet(t *testing.T) {
	registry := NewRegistry()
	registry.Register("b", extRefCodec())
	registry.Register("a", extRefCodec())

	assert.Equal(t, []string{"a", "b"}, registry.Tags())
	assert.Equal(t, "a,b", registry.TagSet())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("ExtRef", extRefCodec()))

	ref := extRef{Payload: []byte{0xde, 0xad}}
	extensions, err := registry.Encode([]Ref{{Tag: "ExtRef", Obj: ref}})
	require.NoError(t, err)
	require.Len(t, extensions, 1)
	assert.Equal(t, "ExtRef", extensions[0].Tag)

	refs, err := registry.Decode(extensions)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, ref, refs[0].Obj)
}

func TestEncodeUnknownClass(t *testing.T) {
	registry := NewRegistry()

	_, err := registry.Encode([]Ref{{Tag: "Unknown", Obj: 1}})
	assert.Error(t, err)
}

func TestDecodeSkipsUnregisteredEntries(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register("ExtRef", extRefCodec()))

	extensions, err := registry.Encode([]Ref{{Tag: "ExtRef", Obj: extRef{Payload: []byte{1}}}})
	require.NoError(t, err)

	// Carrier entries like task.id have no codec and are ignored
	extensions = append(extensions, protocol.Extension{Tag: "task.id", Blob: []byte("abc")})

	refs, err := registry.Decode(extensions)
	require.NoError(t, err)
	assert.Len(t, refs, 1)
}

func TestVectorizedGathering(t *testing.T) {
	registry := NewRegistry()

	var gotObjs []any
	require.NoError(t, registry.Register("Vec", Codec{
		Vectorized: true,
		Serialize: func(obj any) ([]byte, error) {
			gotObjs = obj.([]any)
			return json.Marshal(obj)
		},
		Deserialize: func(blob []byte) (any, error) {
			var objs []any
			err := json.Unmarshal(blob, &objs)
			return objs, err
		},
	}))

	refs := []Ref{
		{Tag: "Vec", Obj: "first"},
		{Tag: "Vec", Obj: "second"},
		{Tag: "Vec", Obj: "third"},
	}

	extensions, err := registry.Encode(refs)
	require.NoError(t, err)

	// All occurrences serialized with a single call, in order
	require.Len(t, extensions, 1)
	assert.Equal(t, []any{"first", "second", "third"}, gotObjs)

	decoded, err := registry.Decode(extensions)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, []any{"first", "second", "third"}, decoded[0].Obj)
}
