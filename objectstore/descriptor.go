package objectstore

import (
	"bytes"
	"encoding/json"
)

// Link is one chunk entry in a descriptor object, in file byte order.
type Link struct {
	Hash string `json:"Hash"`
	Size int64  `json:"Size"`
}

// descriptor is the small object enumerating a file's chunks (spec §3, §6).
// Its own CID, once serialized, is the file CID that appears in manifests
// and tags.
type descriptor struct {
	Links []Link `json:"Links"`
}

// marshalDescriptor serializes a descriptor byte-exact: UTF-8, stable key
// order ("Links" at top, "Hash" before "Size" within each link), no trailing
// whitespace. encoding/json already emits struct fields in declaration
// order and is deterministic for a fixed Go type, which is what spec §6
// requires ("stable key ordering").
func marshalDescriptor(d descriptor) ([]byte, error) {
	if d.Links == nil {
		d.Links = []Link{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(d); err != nil {
		return nil, err
	}
	// json.Encoder.Encode appends a trailing newline; the wire format has none.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func unmarshalDescriptor(data []byte) (descriptor, error) {
	var d descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return descriptor{}, err
	}
	return d, nil
}
