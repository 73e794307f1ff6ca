package message

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Element tags from the body grammar.
type Tag uint8

const (
	TagSectionStart Tag = 1
	TagSectionEnd   Tag = 2
	TagKeyValue     Tag = 3
	TagListStart    Tag = 4
	TagListItem     Tag = 5
	TagListEnd      Tag = 6
)

// Hard encode-time limits for named and value-bearing elements.
const (
	MaxNameLen  = 0xFF
	MaxValueLen = 0xFFFF
)

var (
	ErrNameTooLong  = errors.New("message: element name too long")
	ErrValueTooLong = errors.New("message: element value too long")
	ErrMalformed    = errors.New("message: malformed element tree")
	ErrTruncated    = errors.New("message: truncated element")
)

// Element is one tagged entry in the flattened tree. Name is set for
// SectionStart, KeyValue and ListStart; Value for KeyValue and ListItem.
type Element struct {
	Tag   Tag
	Name  string
	Value []byte
}

// Message is an ordered, well-nested sequence of elements. Well-nestedness is
// enforced when encoding, not while building.
type Message struct {
	elems []Element
}

func New() *Message {
	return &Message{}
}

func (m *Message) Elements() []Element {
	return m.elems
}

func (m *Message) Len() int {
	return len(m.elems)
}

func (m *Message) Append(el Element) {
	m.elems = append(m.elems, el)
}

func (m *Message) KeyValue(name string, value []byte) {
	m.elems = append(m.elems, Element{Tag: TagKeyValue, Name: name, Value: value})
}

func (m *Message) BeginSection(name string) {
	m.elems = append(m.elems, Element{Tag: TagSectionStart, Name: name})
}

func (m *Message) EndSection() {
	m.elems = append(m.elems, Element{Tag: TagSectionEnd})
}

func (m *Message) BeginList(name string) {
	m.elems = append(m.elems, Element{Tag: TagListStart, Name: name})
}

func (m *Message) ListItem(value []byte) {
	m.elems = append(m.elems, Element{Tag: TagListItem, Value: value})
}

func (m *Message) EndList() {
	m.elems = append(m.elems, Element{Tag: TagListEnd})
}

// container kinds for the explicit nesting stack; root behaves like a section
// for placement rules.
const (
	containerRoot = iota
	containerSection
	containerList
)

// Encode serializes the message. The whole message is validated before any
// bytes are produced, so a limit or nesting violation never yields a partial
// body.
func (m *Message) Encode() ([]byte, error) {
	size, err := m.validate()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, size)
	for _, el := range m.elems {
		buf = append(buf, byte(el.Tag))
		switch el.Tag {
		case TagSectionStart, TagListStart:
			buf = append(buf, byte(len(el.Name)))
			buf = append(buf, el.Name...)
		case TagKeyValue:
			buf = append(buf, byte(len(el.Name)))
			buf = append(buf, el.Name...)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(el.Value)))
			buf = append(buf, el.Value...)
		case TagListItem:
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(el.Value)))
			buf = append(buf, el.Value...)
		}
	}
	return buf, nil
}

func (m *Message) validate() (int, error) {
	size := 0
	stack := []int{containerRoot}
	for _, el := range m.elems {
		top := stack[len(stack)-1]
		switch el.Tag {
		case TagSectionStart, TagListStart, TagKeyValue:
			if top == containerList {
				return 0, fmt.Errorf("%w: %v inside a list", ErrMalformed, el.Tag)
			}
			if len(el.Name) > MaxNameLen {
				return 0, fmt.Errorf("%w: %d bytes", ErrNameTooLong, len(el.Name))
			}
			size += 2 + len(el.Name)
			if el.Tag == TagKeyValue {
				if len(el.Value) > MaxValueLen {
					return 0, fmt.Errorf("%w: %s is %d bytes", ErrValueTooLong, el.Name, len(el.Value))
				}
				size += 2 + len(el.Value)
			} else if el.Tag == TagSectionStart {
				stack = append(stack, containerSection)
			} else {
				stack = append(stack, containerList)
			}
		case TagSectionEnd:
			if top != containerSection {
				return 0, fmt.Errorf("%w: unmatched section end", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
			size++
		case TagListItem:
			if top != containerList {
				return 0, fmt.Errorf("%w: list item outside a list", ErrMalformed)
			}
			if len(el.Value) > MaxValueLen {
				return 0, fmt.Errorf("%w: list item is %d bytes", ErrValueTooLong, len(el.Value))
			}
			size += 3 + len(el.Value)
		case TagListEnd:
			if top != containerList {
				return 0, fmt.Errorf("%w: unmatched list end", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
			size++
		default:
			return 0, fmt.Errorf("%w: unknown tag %d", ErrMalformed, el.Tag)
		}
	}
	if len(stack) != 1 {
		return 0, fmt.Errorf("%w: %d unterminated containers", ErrMalformed, len(stack)-1)
	}
	return size, nil
}

// Decode parses a packet body into a message, walking tags with an explicit
// container stack so input nesting depth never maps to call depth.
func Decode(body []byte) (*Message, error) {
	m := New()
	stack := []int{containerRoot}
	off := 0
	for off < len(body) {
		tag := Tag(body[off])
		off++
		top := stack[len(stack)-1]
		switch tag {
		case TagSectionStart, TagListStart:
			if top == containerList {
				return nil, fmt.Errorf("%w: %v inside a list", ErrMalformed, tag)
			}
			name, n, err := readName(body[off:])
			if err != nil {
				return nil, err
			}
			off += n
			m.Append(Element{Tag: tag, Name: name})
			if tag == TagSectionStart {
				stack = append(stack, containerSection)
			} else {
				stack = append(stack, containerList)
			}
		case TagKeyValue:
			if top == containerList {
				return nil, fmt.Errorf("%w: key-value inside a list", ErrMalformed)
			}
			name, n, err := readName(body[off:])
			if err != nil {
				return nil, err
			}
			off += n
			value, n, err := readValue(body[off:])
			if err != nil {
				return nil, err
			}
			off += n
			m.Append(Element{Tag: tag, Name: name, Value: value})
		case TagListItem:
			if top != containerList {
				return nil, fmt.Errorf("%w: list item outside a list", ErrMalformed)
			}
			value, n, err := readValue(body[off:])
			if err != nil {
				return nil, err
			}
			off += n
			m.Append(Element{Tag: tag, Value: value})
		case TagSectionEnd:
			if top != containerSection {
				return nil, fmt.Errorf("%w: unmatched section end", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
			m.Append(Element{Tag: tag})
		case TagListEnd:
			if top != containerList {
				return nil, fmt.Errorf("%w: unmatched list end", ErrMalformed)
			}
			stack = stack[:len(stack)-1]
			m.Append(Element{Tag: tag})
		default:
			return nil, fmt.Errorf("%w: unknown tag %d", ErrMalformed, tag)
		}
	}
	if len(stack) != 1 {
		return nil, fmt.Errorf("%w: %d unterminated containers", ErrMalformed, len(stack)-1)
	}
	return m, nil
}

func readName(b []byte) (string, int, error) {
	if len(b) < 1 {
		return "", 0, ErrTruncated
	}
	n := int(b[0])
	if len(b)-1 < n {
		return "", 0, ErrTruncated
	}
	return string(b[1 : 1+n]), 1 + n, nil
}

func readValue(b []byte) ([]byte, int, error) {
	if len(b) < 2 {
		return nil, 0, ErrTruncated
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	if len(b)-2 < n {
		return nil, 0, ErrTruncated
	}
	value := make([]byte, n)
	copy(value, b[2:2+n])
	return value, 2 + n, nil
}

func (t Tag) String() string {
	switch t {
	case TagSectionStart:
		return "SECTION_START"
	case TagSectionEnd:
		return "SECTION_END"
	case TagKeyValue:
		return "KEY_VALUE"
	case TagListStart:
		return "LIST_START"
	case TagListItem:
		return "LIST_ITEM"
	case TagListEnd:
		return "LIST_END"
	}
	return fmt.Sprintf("TAG(%d)", uint8(t))
}
