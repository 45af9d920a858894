package serializer

import (
	"mime"
	"strings"
)

// IRPCSerializer is the interface for all body serializers of the HTTP api
type IRPCSerializer interface {
	// Serialize serializes a value into a byte array
	// It returns the serialized byte array and an error if any
	Serialize(v any) ([]byte, error)
	// Deserialize deserializes a byte array into the value pointed to by v
	// It returns an error if any
	Deserialize(b []byte, v any) error
	// ContentType returns the media type of the serialized data
	ContentType() string
	// Name returns the short name of the serializer (as used for the --serializer flag)
	Name() string
}

// all known serializers, the first one is the default
var serializers = []IRPCSerializer{
	NewJSONSerializer(),
	NewMsgpackSerializer(),
}

// Default returns the serializer used when a request does not specify a content type
func Default() IRPCSerializer {
	return serializers[0]
}

// ByName returns the serializer with the given short name
func ByName(name string) (IRPCSerializer, bool) {
	for _, s := range serializers {
		if strings.EqualFold(s.Name(), name) {
			return s, true
		}
	}
	return nil, false
}

// ByContentType returns the serializer for a Content-Type or Accept header value.
// An empty header selects the default serializer.
func ByContentType(header string) (IRPCSerializer, bool) {
	if strings.TrimSpace(header) == "" {
		return Default(), true
	}
	for _, part := range strings.Split(header, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		if mediaType == "*/*" {
			return Default(), true
		}
		for _, s := range serializers {
			if s.ContentType() == mediaType {
				return s, true
			}
		}
	}
	return nil, false
}
