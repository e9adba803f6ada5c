package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestFprintf(t *testing.T) {
	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"no args", nil, "no args"},
		{"literal %%", nil, "literal %"},
		{"%s and %s", []interface{}{"foo", []byte("bar")}, "foo and bar"},
		{"%5s|", []interface{}{"ab"}, "   ab|"},
		{"%d", []interface{}{42}, "42"},
		{"%d", []interface{}{-42}, "-42"},
		{"%d", []interface{}{uint64(1 << 40)}, "1099511627776"},
		{"%5d|", []interface{}{123}, "  123|"},
		{"%x", []interface{}{uint32(0xbadf00d)}, "badf00d"},
		{"%8x", []interface{}{uint16(0xff)}, "000000ff"},
		{"%o", []interface{}{uint8(8)}, "10"},
		{"%t %t", []interface{}{true, false}, "true false"},
		{"%d", nil, "(MISSING)"},
		{"", []interface{}{1}, "%!(EXTRA)"},
		{"%q", []interface{}{1}, "%!(NOVERB)%!(EXTRA)"},
		{"%s", []interface{}{42}, "%!(WRONGTYPE)"},
		{"%t", []interface{}{"nope"}, "%!(WRONGTYPE)"},
	}

	var buf bytes.Buffer
	for specIndex, spec := range specs {
		buf.Reset()
		Fprintf(&buf, spec.format, spec.args...)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestEarlyBufferAndSetOutputSink(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyBuffer.rIndex = 0
		earlyBuffer.wIndex = 0
	}()

	outputSink = nil
	Printf("early %d", 1)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early 1", buf.String(); got != exp {
		t.Fatalf("expected early output %q to be drained into the sink; got %q", exp, got)
	}

	Printf(" late")
	if exp, got := "early 1 late", buf.String(); got != exp {
		t.Fatalf("expected %q; got %q", exp, got)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	var rb ringBuffer

	payload := make([]byte, ringBufferSize+16)
	for i := range payload {
		payload[i] = byte('a' + (i % 16))
	}

	rb.Write(payload)

	drained := make([]byte, 0, ringBufferSize)
	tmp := make([]byte, 100)
	for {
		n, err := rb.Read(tmp)
		drained = append(drained, tmp[:n]...)
		if err == io.EOF {
			break
		}
	}

	// One byte is sacrificed to distinguish a full buffer from an empty one.
	exp := payload[len(payload)-ringBufferSize+1:]
	if !bytes.Equal(drained, exp) {
		t.Fatalf("expected ring buffer to retain the last %d written bytes", len(exp))
	}
}
