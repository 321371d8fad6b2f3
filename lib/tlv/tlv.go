/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package tlv implements the ASN.1 BER-TLV codec used by GlobalPlatform
// and ETSI card data structures: one and two byte tags, definite length
// forms up to three length bytes, and recursive constructed values.
package tlv

import (
	"github.com/gravitational/trace"
)

// Node is a single BER-TLV element. Constructed nodes carry their parsed
// children; primitive nodes (and constructed nodes whose value does not
// parse as well-formed TLV) carry only the raw value.
type Node struct {
	// Tag is the tag number, one or two bytes wide. Values above 0xFF
	// are two-byte tags.
	Tag uint16
	// Value is the raw value field.
	Value []byte
	// Children holds parsed child nodes of a constructed value.
	Children []*Node
}

// Constructed reports whether bit 6 of the first tag byte is set.
func (n *Node) Constructed() bool {
	return n.firstTagByte()&0x20 != 0
}

func (n *Node) firstTagByte() byte {
	if n.Tag > 0xFF {
		return byte(n.Tag >> 8)
	}
	return byte(n.Tag)
}

// TagBytes returns the encoded tag.
func (n *Node) TagBytes() []byte {
	if n.Tag > 0xFF {
		return []byte{byte(n.Tag >> 8), byte(n.Tag)}
	}
	return []byte{byte(n.Tag)}
}

// Find returns the first direct child with the given tag, or nil.
func (n *Node) Find(tag uint16) *Node {
	for _, child := range n.Children {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

// FindAll returns every direct child with the given tag.
func (n *Node) FindAll(tag uint16) []*Node {
	var out []*Node
	for _, child := range n.Children {
		if child.Tag == tag {
			out = append(out, child)
		}
	}
	return out
}

// FindDeep searches the subtree depth-first for the first node with the
// given tag.
func (n *Node) FindDeep(tag uint16) *Node {
	for _, child := range n.Children {
		if child.Tag == tag {
			return child
		}
		if found := child.FindDeep(tag); found != nil {
			return found
		}
	}
	return nil
}

// Encode serializes the node with minimal length encoding. A constructed
// node with children encodes the concatenation of its children as the
// value; otherwise the raw value is used.
func (n *Node) Encode() ([]byte, error) {
	value := n.Value
	if len(n.Children) > 0 {
		value = nil
		for _, child := range n.Children {
			encoded, err := child.Encode()
			if err != nil {
				return nil, trace.Wrap(err)
			}
			value = append(value, encoded...)
		}
	}
	length, err := encodeLength(len(value))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := append(n.TagBytes(), length...)
	return append(out, value...), nil
}

func encodeLength(n int) ([]byte, error) {
	switch {
	case n < 0x80:
		return []byte{byte(n)}, nil
	case n <= 0xFF:
		return []byte{0x81, byte(n)}, nil
	case n <= 0xFFFF:
		return []byte{0x82, byte(n >> 8), byte(n)}, nil
	case n <= 0xFFFFFF:
		return []byte{0x83, byte(n >> 16), byte(n >> 8), byte(n)}, nil
	}
	return nil, trace.LimitExceeded("TLV value length %v exceeds three length bytes", n)
}

// Parse reads a single TLV from the start of raw and returns the node
// and the number of bytes consumed.
func Parse(raw []byte) (*Node, int, error) {
	if len(raw) == 0 {
		return nil, 0, trace.BadParameter("empty TLV input")
	}
	tag := uint16(raw[0])
	offset := 1
	if raw[0]&0x1F == 0x1F {
		// Bits 1-5 all set: two byte tag.
		if len(raw) < 2 {
			return nil, 0, trace.BadParameter("truncated two-byte tag")
		}
		tag = uint16(raw[0])<<8 | uint16(raw[1])
		offset = 2
	}
	length, lengthBytes, err := parseLength(raw[offset:])
	if err != nil {
		return nil, 0, trace.Wrap(err)
	}
	offset += lengthBytes
	if len(raw) < offset+length {
		return nil, 0, trace.BadParameter("TLV value truncated: need %v bytes, have %v", length, len(raw)-offset)
	}
	node := &Node{Tag: tag, Value: append([]byte{}, raw[offset:offset+length]...)}
	if node.Constructed() && length > 0 {
		// Best effort: a constructed value that does not parse as a
		// well-formed TLV concatenation keeps its raw bytes so that
		// round-tripping is preserved.
		if children, err := parseChildren(node.Value); err == nil {
			node.Children = children
		}
	}
	return node, offset + length, nil
}

func parseLength(raw []byte) (length int, consumed int, err error) {
	if len(raw) == 0 {
		return 0, 0, trace.BadParameter("missing TLV length")
	}
	first := raw[0]
	switch {
	case first < 0x80:
		return int(first), 1, nil
	case first == 0x80:
		return 0, 0, trace.BadParameter("indefinite length is not supported")
	case first == 0x81:
		if len(raw) < 2 {
			return 0, 0, trace.BadParameter("truncated 0x81 length")
		}
		return int(raw[1]), 2, nil
	case first == 0x82:
		if len(raw) < 3 {
			return 0, 0, trace.BadParameter("truncated 0x82 length")
		}
		return int(raw[1])<<8 | int(raw[2]), 3, nil
	case first == 0x83:
		if len(raw) < 4 {
			return 0, 0, trace.BadParameter("truncated 0x83 length")
		}
		return int(raw[1])<<16 | int(raw[2])<<8 | int(raw[3]), 4, nil
	}
	return 0, 0, trace.BadParameter("unsupported length encoding 0x%02X", first)
}

func parseChildren(value []byte) ([]*Node, error) {
	var children []*Node
	rest := value
	for len(rest) > 0 {
		child, consumed, err := Parse(rest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		children = append(children, child)
		rest = rest[consumed:]
	}
	return children, nil
}

// ParseAll consumes a byte stream of concatenated top-level TLVs,
// skipping 0x00 and 0xFF padding bytes between elements.
func ParseAll(raw []byte) ([]*Node, error) {
	var nodes []*Node
	rest := raw
	for len(rest) > 0 {
		if rest[0] == 0x00 || rest[0] == 0xFF {
			rest = rest[1:]
			continue
		}
		node, consumed, err := Parse(rest)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		nodes = append(nodes, node)
		rest = rest[consumed:]
	}
	return nodes, nil
}

// New builds a primitive node.
func New(tag uint16, value []byte) *Node {
	return &Node{Tag: tag, Value: append([]byte{}, value...)}
}

// NewConstructed builds a constructed node from children.
func NewConstructed(tag uint16, children ...*Node) *Node {
	return &Node{Tag: tag, Children: children}
}
