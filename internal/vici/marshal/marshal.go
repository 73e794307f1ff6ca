// Package marshal translates structured application values to and from the
// protocol's element tree.
//
// Types declare their field set explicitly by implementing Marshaler and
// Unmarshaler against the sticky-error Encoder/Decoder; there is no
// reflection. Protocol conventions applied here: booleans travel as the
// literal text "yes"/"no", integers as ASCII decimal, a sequence of records
// as an indexed section ("0", "1", ...), and optional fields are omitted
// entirely when unset.
package marshal

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/danmuck/charonctl/internal/vici/message"
)

var (
	ErrMissingField   = errors.New("marshal: missing required field")
	ErrInvalidBoolean = errors.New("marshal: invalid boolean text")
	ErrInvalidNumber  = errors.New("marshal: invalid number text")
)

// Marshaler writes the type's fields, in declared order, through an Encoder.
type Marshaler interface {
	MarshalVici(e *Encoder) error
}

// Unmarshaler reads the type's fields from a Decoder. Fields are matched by
// name; elements with no matching field are ignored.
type Unmarshaler interface {
	UnmarshalVici(d *Decoder) error
}

// Marshal maps v onto a fresh message. A nil Marshaler yields an empty
// message, the shape of a bodyless request.
func Marshal(v Marshaler) (*message.Message, error) {
	msg := message.New()
	if v == nil {
		return msg, nil
	}
	e := &Encoder{msg: msg}
	if err := v.MarshalVici(e); err != nil {
		return nil, err
	}
	if e.err != nil {
		return nil, e.err
	}
	return msg, nil
}

// Unmarshal maps msg into v. A nil Unmarshaler discards the message.
func Unmarshal(msg *message.Message, v Unmarshaler) error {
	if v == nil {
		return nil
	}
	root, err := index(msg)
	if err != nil {
		return err
	}
	d := &Decoder{n: root}
	if err := v.UnmarshalVici(d); err != nil {
		return err
	}
	return d.err
}

// Encoder appends fields to the message under construction. The first error
// sticks; later calls become no-ops.
type Encoder struct {
	msg *message.Message
	err error
}

func (e *Encoder) Err() error { return e.err }

func (e *Encoder) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *Encoder) String(name, v string) {
	if e.err != nil {
		return
	}
	e.msg.KeyValue(name, []byte(v))
}

func (e *Encoder) OptionalString(name string, v *string) {
	if v != nil {
		e.String(name, *v)
	}
}

func (e *Encoder) Bytes(name string, v []byte) {
	if e.err != nil {
		return
	}
	e.msg.KeyValue(name, v)
}

func (e *Encoder) Int(name string, v int) {
	e.String(name, strconv.Itoa(v))
}

func (e *Encoder) OptionalInt(name string, v *int) {
	if v != nil {
		e.Int(name, *v)
	}
}

func (e *Encoder) Uint64(name string, v uint64) {
	e.String(name, strconv.FormatUint(v, 10))
}

func (e *Encoder) Bool(name string, v bool) {
	if v {
		e.String(name, "yes")
	} else {
		e.String(name, "no")
	}
}

func (e *Encoder) OptionalBool(name string, v *bool) {
	if v != nil {
		e.Bool(name, *v)
	}
}

// Strings emits a list of scalar items.
func (e *Encoder) Strings(name string, vs []string) {
	if e.err != nil {
		return
	}
	e.msg.BeginList(name)
	for _, v := range vs {
		e.msg.ListItem([]byte(v))
	}
	e.msg.EndList()
}

func (e *Encoder) OptionalStrings(name string, vs []string) {
	if vs != nil {
		e.Strings(name, vs)
	}
}

// Section emits v as a named nested record.
func (e *Encoder) Section(name string, v Marshaler) {
	if e.err != nil {
		return
	}
	e.msg.BeginSection(name)
	if err := v.MarshalVici(e); err != nil {
		e.fail(err)
		return
	}
	e.msg.EndSection()
}

// Sections emits n records as an indexed section: list items must be scalar
// under the wire grammar, so a record sequence becomes subsections named
// "0", "1", ... in order.
func (e *Encoder) Sections(name string, n int, at func(e *Encoder, i int) error) {
	if e.err != nil {
		return
	}
	e.msg.BeginSection(name)
	for i := 0; i < n; i++ {
		e.msg.BeginSection(strconv.Itoa(i))
		if err := at(e, i); err != nil {
			e.fail(err)
			return
		}
		e.msg.EndSection()
	}
	e.msg.EndSection()
}

// Decoder reads fields out of one section scope of a decoded message. The
// first error sticks; later calls become no-ops. Optional accessors leave the
// destination untouched when the field is absent.
type Decoder struct {
	n   *node
	err error
}

func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *Decoder) value(name string) ([]byte, bool) {
	v, ok := d.n.values[name]
	return v, ok
}

// Has reports whether a scalar value of that name is present in the current
// scope. Useful for pointer-shaped optional fields.
func (d *Decoder) Has(name string) bool {
	_, ok := d.n.values[name]
	return ok
}

func (d *Decoder) String(name string, dst *string) {
	if d.err != nil {
		return
	}
	v, ok := d.value(name)
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	*dst = string(v)
}

func (d *Decoder) OptionalString(name string, dst *string) {
	if d.err != nil {
		return
	}
	if v, ok := d.value(name); ok {
		*dst = string(v)
	}
}

func (d *Decoder) Bytes(name string, dst *[]byte) {
	if d.err != nil {
		return
	}
	v, ok := d.value(name)
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	*dst = append([]byte(nil), v...)
}

func (d *Decoder) Int(name string, dst *int) {
	if d.err != nil {
		return
	}
	v, ok := d.value(name)
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.setInt(name, v, dst)
}

func (d *Decoder) OptionalInt(name string, dst *int) {
	if d.err != nil {
		return
	}
	if v, ok := d.value(name); ok {
		d.setInt(name, v, dst)
	}
}

func (d *Decoder) setInt(name string, v []byte, dst *int) {
	n, err := strconv.Atoi(string(v))
	if err != nil {
		d.fail(fmt.Errorf("%w: %s=%q", ErrInvalidNumber, name, v))
		return
	}
	*dst = n
}

func (d *Decoder) Uint64(name string, dst *uint64) {
	if d.err != nil {
		return
	}
	v, ok := d.value(name)
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.setUint64(name, v, dst)
}

func (d *Decoder) OptionalUint64(name string, dst *uint64) {
	if d.err != nil {
		return
	}
	if v, ok := d.value(name); ok {
		d.setUint64(name, v, dst)
	}
}

func (d *Decoder) setUint64(name string, v []byte, dst *uint64) {
	n, err := strconv.ParseUint(string(v), 10, 64)
	if err != nil {
		d.fail(fmt.Errorf("%w: %s=%q", ErrInvalidNumber, name, v))
		return
	}
	*dst = n
}

func (d *Decoder) Bool(name string, dst *bool) {
	if d.err != nil {
		return
	}
	v, ok := d.value(name)
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.setBool(name, v, dst)
}

func (d *Decoder) OptionalBool(name string, dst *bool) {
	if d.err != nil {
		return
	}
	if v, ok := d.value(name); ok {
		d.setBool(name, v, dst)
	}
}

func (d *Decoder) setBool(name string, v []byte, dst *bool) {
	switch string(v) {
	case "yes":
		*dst = true
	case "no":
		*dst = false
	default:
		d.fail(fmt.Errorf("%w: %s=%q", ErrInvalidBoolean, name, v))
	}
}

func (d *Decoder) Strings(name string, dst *[]string) {
	if d.err != nil {
		return
	}
	items, ok := d.n.lists[name]
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.setStrings(items, dst)
}

func (d *Decoder) OptionalStrings(name string, dst *[]string) {
	if d.err != nil {
		return
	}
	if items, ok := d.n.lists[name]; ok {
		d.setStrings(items, dst)
	}
}

func (d *Decoder) setStrings(items [][]byte, dst *[]string) {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	*dst = out
}

func (d *Decoder) Section(name string, v Unmarshaler) {
	if d.err != nil {
		return
	}
	child, ok := d.n.sections[name]
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.section(child, v)
}

func (d *Decoder) OptionalSection(name string, v Unmarshaler) {
	if d.err != nil {
		return
	}
	if child, ok := d.n.sections[name]; ok {
		d.section(child, v)
	}
}

func (d *Decoder) section(n *node, v Unmarshaler) {
	sub := &Decoder{n: n}
	if err := v.UnmarshalVici(sub); err != nil {
		d.fail(err)
		return
	}
	if sub.err != nil {
		d.fail(sub.err)
	}
}

// Sections iterates a record sequence encoded as an indexed section, calling
// each with a Decoder scoped to subsection "0", "1", ... in order. The
// container itself is required.
func (d *Decoder) Sections(name string, each func(d *Decoder) error) {
	if d.err != nil {
		return
	}
	container, ok := d.n.sections[name]
	if !ok {
		d.fail(fmt.Errorf("%w: %s", ErrMissingField, name))
		return
	}
	d.sections(container, each)
}

// OptionalSections is Sections with an absent container meaning zero records.
func (d *Decoder) OptionalSections(name string, each func(d *Decoder) error) {
	if d.err != nil {
		return
	}
	if container, ok := d.n.sections[name]; ok {
		d.sections(container, each)
	}
}

func (d *Decoder) sections(container *node, each func(d *Decoder) error) {
	for i := 0; ; i++ {
		child, ok := container.sections[strconv.Itoa(i)]
		if !ok {
			return
		}
		sub := &Decoder{n: child}
		if err := each(sub); err != nil {
			d.fail(err)
			return
		}
		if sub.err != nil {
			d.fail(sub.err)
			return
		}
	}
}

// node is the scoped view of one section: key-values, subsections and lists
// by name. Duplicated names keep the last occurrence.
type node struct {
	values   map[string][]byte
	sections map[string]*node
	lists    map[string][][]byte
}

func newNode() *node {
	return &node{
		values:   make(map[string][]byte),
		sections: make(map[string]*node),
		lists:    make(map[string][][]byte),
	}
}

// index builds the scope tree from the flat element sequence with an explicit
// stack, mirroring the codec's iterative decode.
func index(msg *message.Message) (*node, error) {
	root := newNode()
	stack := []*node{root}
	var listName string
	var listItems [][]byte
	inList := false

	for _, el := range msg.Elements() {
		top := stack[len(stack)-1]
		switch el.Tag {
		case message.TagKeyValue:
			if inList {
				return nil, message.ErrMalformed
			}
			top.values[el.Name] = el.Value
		case message.TagSectionStart:
			if inList {
				return nil, message.ErrMalformed
			}
			child := newNode()
			top.sections[el.Name] = child
			stack = append(stack, child)
		case message.TagSectionEnd:
			if inList || len(stack) == 1 {
				return nil, message.ErrMalformed
			}
			stack = stack[:len(stack)-1]
		case message.TagListStart:
			if inList {
				return nil, message.ErrMalformed
			}
			inList = true
			listName = el.Name
			listItems = nil
		case message.TagListItem:
			if !inList {
				return nil, message.ErrMalformed
			}
			listItems = append(listItems, el.Value)
		case message.TagListEnd:
			if !inList {
				return nil, message.ErrMalformed
			}
			top.lists[listName] = listItems
			inList = false
		default:
			return nil, message.ErrMalformed
		}
	}
	if inList || len(stack) != 1 {
		return nil, message.ErrMalformed
	}
	return root, nil
}
