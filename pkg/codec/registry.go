package codec

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gaborcsardi/mirai/pkg/protocol"
)

// Serializes an opaque reference object into bytes. Vectorized codecs
// receive a slice with every occurrence of the class, in order.
type SerializeFunc func(obj any) ([]byte, error)

// Inverts SerializeFunc. Vectorized codecs must return a slice in the
// same order the serializer received it.
type DeserializeFunc func(blob []byte) (any, error)

// A user-supplied serializer pair for one object class.
type Codec struct {
	Serialize   SerializeFunc
	Deserialize DeserializeFunc
	Vectorized  bool
}

// An opaque reference carried out-of-band alongside a task payload.
// Tag selects the codec, Obj is whatever the codec accepts.
type Ref struct {
	Tag string
	Obj any
}

// Extension tag announcing the registered codec classes to daemons.
const TagsExtension = "codec.tags"

// A thread-safe registry of class tag to codec mappings.
type Registry struct {
	sync.RWMutex
	codecs map[string]Codec
}

func NewRegistry() *Registry {
	return &Registry{
		codecs: map[string]Codec{},
	}
}

// Register installs a codec for a class tag, replacing any previous
// registration for the same tag.
func (r *Registry) Register(tag string, codec Codec) error {
	if tag == "" {
		return fmt.Errorf("%w: empty class tag", ErrCodec)
	}
	if codec.Serialize == nil || codec.Deserialize == nil {
		return fmt.Errorf("%w: codec for %q is missing a function", ErrCodec, tag)
	}

	r.Lock()
	defer r.Unlock()
	r.codecs[tag] = codec
	return nil
}

// Unregister removes the codec for a class tag.
func (r *Registry) Unregister(tag string) {
	r.Lock()
	defer r.Unlock()
	delete(r.codecs, tag)
}

// Lookup returns the codec registered for a class tag.
func (r *Registry) Lookup(tag string) (Codec, bool) {
	r.RLock()
	defer r.RUnlock()
	codec, ok := r.codecs[tag]
	return codec, ok
}

// Tags returns the registered class tags, sorted.
func (r *Registry) Tags() []string {
	r.RLock()
	defer r.RUnlock()

	tags := make([]string, 0, len(r.codecs))
	for tag := range r.codecs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// TagSet returns the registered tags as a single comparable string.
// Used to detect when registrations must be re-announced to daemons.
func (r *Registry) TagSet() string {
	return strings.Join(r.Tags(), ",")
}

// Encode serializes the given references into extension entries.
// Each reference of a non-vectorized class yields one entry, in
// submission order. All references of a vectorized class are gathered
// into one slice, in submission order, and serialized with a single
// call; that class's single entry follows the non-vectorized entries,
// classes ordered by first occurrence.
func (r *Registry) Encode(refs []Ref) ([]protocol.Extension, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var extensions []protocol.Extension
	vectorized := map[string][]any{}
	vectorizedOrder := []string{}

	for _, ref := range refs {
		codec, ok := r.Lookup(ref.Tag)
		if !ok {
			return nil, fmt.Errorf("%w: no codec for class %q", ErrCodec, ref.Tag)
		}

		if codec.Vectorized {
			if _, seen := vectorized[ref.Tag]; !seen {
				vectorizedOrder = append(vectorizedOrder, ref.Tag)
			}
			vectorized[ref.Tag] = append(vectorized[ref.Tag], ref.Obj)
			continue
		}

		blob, err := codec.Serialize(ref.Obj)
		if err != nil {
			return nil, fmt.Errorf("serialization of class %q failed: %w", ref.Tag, err)
		}
		extensions = append(extensions, protocol.Extension{Tag: ref.Tag, Blob: blob})
	}

	for _, tag := range vectorizedOrder {
		codec, _ := r.Lookup(tag)
		blob, err := codec.Serialize(vectorized[tag])
		if err != nil {
			return nil, fmt.Errorf("serialization of class %q failed: %w", tag, err)
		}
		extensions = append(extensions, protocol.Extension{Tag: tag, Blob: blob})
	}

	return extensions, nil
}

// Decode inverts Encode. Entries with no registered codec are skipped;
// the payload decoder owns their placeholders. A vectorized entry
// decodes to a single Ref whose Obj is the slice the deserializer
// returned.
func (r *Registry) Decode(extensions []protocol.Extension) ([]Ref, error) {
	var refs []Ref

	for _, ext := range extensions {
		codec, ok := r.Lookup(ext.Tag)
		if !ok {
			continue
		}

		obj, err := codec.Deserialize(ext.Blob)
		if err != nil {
			return nil, fmt.Errorf("deserialization of class %q failed: %w", ext.Tag, err)
		}
		refs = append(refs, Ref{Tag: ext.Tag, Obj: obj})
	}

	return refs, nil
}

var ErrCodec = fmt.Errorf("Invalid codec registration")
