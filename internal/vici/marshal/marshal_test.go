package marshal

import (
	"errors"
	"reflect"
	"testing"

	"github.com/danmuck/charonctl/internal/testutil/testlog"
	"github.com/danmuck/charonctl/internal/vici/message"
)

type childSA struct {
	Name    string
	ReqID   int
	Inbound bool
}

func (c *childSA) MarshalVici(e *Encoder) error {
	e.String("name", c.Name)
	e.Int("reqid", c.ReqID)
	e.Bool("inbound", c.Inbound)
	return e.Err()
}

func (c *childSA) UnmarshalVici(d *Decoder) error {
	d.String("name", &c.Name)
	d.Int("reqid", &c.ReqID)
	d.Bool("inbound", &c.Inbound)
	return d.Err()
}

type ikeSA struct {
	State      string
	Encap      bool
	ReauthTime uint64
	LocalAddrs []string
	Remote     *string
	Children   []childSA
}

func (s *ikeSA) MarshalVici(e *Encoder) error {
	e.String("state", s.State)
	e.Bool("encap", s.Encap)
	e.Uint64("reauth-time", s.ReauthTime)
	e.Strings("local-addrs", s.LocalAddrs)
	e.OptionalString("remote-host", s.Remote)
	e.Sections("child-sas", len(s.Children), func(e *Encoder, i int) error {
		return s.Children[i].MarshalVici(e)
	})
	return e.Err()
}

func (s *ikeSA) UnmarshalVici(d *Decoder) error {
	d.String("state", &s.State)
	d.Bool("encap", &s.Encap)
	d.Uint64("reauth-time", &s.ReauthTime)
	d.Strings("local-addrs", &s.LocalAddrs)
	if d.Has("remote-host") {
		s.Remote = new(string)
		d.String("remote-host", s.Remote)
	}
	d.Sections("child-sas", func(d *Decoder) error {
		var c childSA
		if err := c.UnmarshalVici(d); err != nil {
			return err
		}
		s.Children = append(s.Children, c)
		return nil
	})
	return d.Err()
}

func TestValueRoundTrip(t *testing.T) {
	testlog.Start(t)
	remote := "198.51.100.7"
	in := ikeSA{
		State:      "ESTABLISHED",
		Encap:      true,
		ReauthTime: 10800,
		LocalAddrs: []string{"192.0.2.1", "192.0.2.2"},
		Remote:     &remote,
		Children: []childSA{
			{Name: "net-a", ReqID: 1, Inbound: true},
			{Name: "net-b", ReqID: 2, Inbound: false},
		},
	}
	msg, err := Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := message.Decode(body)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}

	var out ikeSA
	if err := Unmarshal(decoded, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.State != in.State || out.Encap != in.Encap || out.ReauthTime != in.ReauthTime {
		t.Fatalf("scalar mismatch: %+v", out)
	}
	if !reflect.DeepEqual(out.LocalAddrs, in.LocalAddrs) {
		t.Fatalf("list mismatch: %v", out.LocalAddrs)
	}
	if out.Remote == nil || *out.Remote != remote {
		t.Fatalf("optional mismatch: %v", out.Remote)
	}
	if !reflect.DeepEqual(out.Children, in.Children) {
		t.Fatalf("record sequence mismatch: %+v", out.Children)
	}
}

func TestRecordSequenceEncodesAsIndexedSection(t *testing.T) {
	testlog.Start(t)
	in := ikeSA{
		State:      "CONNECTING",
		LocalAddrs: []string{},
		Children:   []childSA{{Name: "a"}, {Name: "b"}},
	}
	msg, err := Marshal(&in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var names []string
	depth := 0
	for _, el := range msg.Elements() {
		switch el.Tag {
		case message.TagSectionStart:
			if depth == 1 {
				names = append(names, el.Name)
			}
			depth++
		case message.TagSectionEnd:
			depth--
		}
	}
	if !reflect.DeepEqual(names, []string{"0", "1"}) {
		t.Fatalf("indexed subsections mismatch: %v", names)
	}
}

type boolOnly struct{ V bool }

func (b *boolOnly) UnmarshalVici(d *Decoder) error {
	d.Bool("v", &b.V)
	return d.Err()
}

func TestBooleanPolicy(t *testing.T) {
	testlog.Start(t)
	for _, tc := range []struct {
		text string
		want bool
	}{
		{"yes", true},
		{"no", false},
	} {
		m := message.New()
		m.KeyValue("v", []byte(tc.text))
		var out boolOnly
		if err := Unmarshal(m, &out); err != nil {
			t.Fatalf("%q: %v", tc.text, err)
		}
		if out.V != tc.want {
			t.Fatalf("%q: got %v", tc.text, out.V)
		}
	}

	for _, text := range []string{"true", "false", "1", "YES", ""} {
		m := message.New()
		m.KeyValue("v", []byte(text))
		var out boolOnly
		if err := Unmarshal(m, &out); !errors.Is(err, ErrInvalidBoolean) {
			t.Fatalf("%q: expected ErrInvalidBoolean, got %v", text, err)
		}
	}
}

type intOnly struct{ V int }

func (n *intOnly) UnmarshalVici(d *Decoder) error {
	d.Int("v", &n.V)
	return d.Err()
}

func TestInvalidNumber(t *testing.T) {
	testlog.Start(t)
	m := message.New()
	m.KeyValue("v", []byte("forty-two"))
	var out intOnly
	if err := Unmarshal(m, &out); !errors.Is(err, ErrInvalidNumber) {
		t.Fatalf("expected ErrInvalidNumber, got %v", err)
	}
}

func TestMissingRequiredField(t *testing.T) {
	testlog.Start(t)
	m := message.New()
	m.KeyValue("other", []byte("x"))
	var out intOnly
	if err := Unmarshal(m, &out); !errors.Is(err, ErrMissingField) {
		t.Fatalf("expected ErrMissingField, got %v", err)
	}
}

func TestUnknownElementsIgnored(t *testing.T) {
	testlog.Start(t)
	m := message.New()
	m.KeyValue("v", []byte("7"))
	m.KeyValue("future-field", []byte("whatever"))
	m.BeginSection("future-section")
	m.KeyValue("nested", []byte("x"))
	m.EndSection()
	var out intOnly
	if err := Unmarshal(m, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.V != 7 {
		t.Fatalf("got %d", out.V)
	}
}

func TestOptionalAbsentLeavesDefault(t *testing.T) {
	testlog.Start(t)
	m := message.New()
	m.KeyValue("state", []byte("ESTABLISHED"))
	m.KeyValue("encap", []byte("no"))
	m.KeyValue("reauth-time", []byte("0"))
	m.BeginList("local-addrs")
	m.EndList()
	m.BeginSection("child-sas")
	m.EndSection()

	var s ikeSA
	if err := Unmarshal(m, &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.Remote != nil {
		t.Fatalf("absent optional decoded to %v", *s.Remote)
	}
	if len(s.Children) != 0 {
		t.Fatalf("expected no children, got %+v", s.Children)
	}
}

func TestMarshalNilYieldsEmptyMessage(t *testing.T) {
	testlog.Start(t)
	msg, err := Marshal(nil)
	if err != nil {
		t.Fatalf("marshal nil: %v", err)
	}
	if msg.Len() != 0 {
		t.Fatalf("expected empty message, got %d elements", msg.Len())
	}
}
