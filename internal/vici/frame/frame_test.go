package frame

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/charonctl/internal/testutil/testlog"
)

func TestWritePacketNamedWireBytes(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	if err := WritePacket(&buf, Packet{Kind: CmdRequest, Name: "version"}); err != nil {
		t.Fatalf("write packet: %v", err)
	}
	want := []byte{
		0, 0, 0, 9,
		0, 7, 'v', 'e', 'r', 's', 'i', 'o', 'n',
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("wire mismatch:\n got=%v\nwant=%v", buf.Bytes(), want)
	}
}

func TestReadWritePacketRoundTrip(t *testing.T) {
	testlog.Start(t)
	cases := []Packet{
		{Kind: CmdRequest, Name: "version"},
		{Kind: CmdResponse, Body: []byte{3, 6, 'd', 'a', 'e', 'm', 'o', 'n', 0, 6, 'c', 'h', 'a', 'r', 'o', 'n'}},
		{Kind: EventRegister, Name: "list-sa"},
		{Kind: Event, Name: "log", Body: []byte{3, 3, 'm', 's', 'g', 0, 2, 'h', 'i'}},
		{Kind: EventConfirm},
	}
	for _, in := range cases {
		var buf bytes.Buffer
		if err := WritePacket(&buf, in); err != nil {
			t.Fatalf("%v: write packet: %v", in.Kind, err)
		}
		out, err := ReadPacket(&buf, DefaultLimits())
		if err != nil {
			t.Fatalf("%v: read packet: %v", in.Kind, err)
		}
		if out.Kind != in.Kind || out.Name != in.Name {
			t.Fatalf("%v: got kind=%v name=%q", in.Kind, out.Kind, out.Name)
		}
		if !bytes.Equal(out.Body, in.Body) {
			t.Fatalf("%v: body mismatch: got=%v want=%v", in.Kind, out.Body, in.Body)
		}
	}
}

func TestReadPacketCleanEOFAtBoundary(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader(nil), DefaultLimits())
	if !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadPacketTruncatedLengthPrefix(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0}), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadPacketTruncatedBody(t *testing.T) {
	testlog.Start(t)
	// length says 9, only 3 body bytes follow
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 9, 0, 7, 'v'}), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadPacketZeroLength(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 0}), DefaultLimits())
	if !errors.Is(err, ErrEmptyPacket) {
		t.Fatalf("expected ErrEmptyPacket, got %v", err)
	}
}

func TestReadPacketUnknownKind(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 1, 99}), DefaultLimits())
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestReadPacketTruncatedName(t *testing.T) {
	testlog.Start(t)
	// named kind claims a 7-byte name but only 3 name bytes are present
	_, err := ReadPacket(bytes.NewReader([]byte{0, 0, 0, 5, 0, 7, 'v', 'e', 'r'}), DefaultLimits())
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadPacketOverLimit(t *testing.T) {
	testlog.Start(t)
	_, err := ReadPacket(bytes.NewReader([]byte{0, 1, 0, 0, 1}), Limits{MaxPacketBytes: 64})
	if !errors.Is(err, ErrPacketTooLarge) {
		t.Fatalf("expected ErrPacketTooLarge, got %v", err)
	}
}

func TestWritePacketNameTooLong(t *testing.T) {
	testlog.Start(t)
	name := make([]byte, 256)
	for i := range name {
		name[i] = 'a'
	}
	var buf bytes.Buffer
	err := WritePacket(&buf, Packet{Kind: CmdRequest, Name: string(name)})
	if !errors.Is(err, ErrNameTooLong) {
		t.Fatalf("expected ErrNameTooLong, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("bytes written on failed encode")
	}
}
