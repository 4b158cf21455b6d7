package dataval

import (
	"testing"

	"github.com/maxmind/mmdbwriter/mmdbtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTripScalars(t *testing.T) {
	b := NewBuilder()

	cases := []mmdbtype.DataType{
		mmdbtype.String("hello world"),
		mmdbtype.Bytes([]byte{0xde, 0xad, 0xbe, 0xef}),
		mmdbtype.Uint16(12345),
		mmdbtype.Uint32(0xdeadbeef),
		mmdbtype.Uint64(0x0102030405060708),
		mmdbtype.Int32(-42),
		mmdbtype.Bool(true),
		mmdbtype.Bool(false),
		mmdbtype.Float64(3.1415926535),
		mmdbtype.Float32(2.5),
	}

	offsets := make([]int, len(cases))
	for i, v := range cases {
		off, err := b.Put(v)
		require.NoError(t, err)
		offsets[i] = off
	}

	codec := New(b.Bytes(), true)
	for i, want := range cases {
		got, err := codec.Decode(offsets[i])
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestRoundTripContainers(t *testing.T) {
	b := NewBuilder()

	value := mmdbtype.Map{
		"severity": mmdbtype.String("high"),
		"tags": mmdbtype.Slice{
			mmdbtype.String("malware"),
			mmdbtype.String("c2"),
		},
		"confidence": mmdbtype.Uint32(90),
	}

	off, err := b.Put(value)
	require.NoError(t, err)

	codec := New(b.Bytes(), true)
	got, err := codec.Decode(off)
	require.NoError(t, err)
	assert.Equal(t, value, got)
}

func TestDeduplication(t *testing.T) {
	b := NewBuilder()

	shared := mmdbtype.Map{"cat": mmdbtype.String("example")}

	off1, err := b.Put(shared)
	require.NoError(t, err)
	off2, err := b.Put(shared)
	require.NoError(t, err)

	assert.Equal(t, off1, off2, "identical values must be deduplicated to the same offset")
}

func TestInvalidUTF8Rejected(t *testing.T) {
	assert.False(t, isValidUTF8([]byte{0xff, 0xfe}))
	assert.True(t, isValidUTF8([]byte("hello, 世界")))

	// A control byte declaring a 2-byte string whose payload is not valid
	// UTF-8 must be rejected when UTF-8 checking is enabled.
	codec := New([]byte{0x42, 0xff, 0xfe}, true)
	_, err := codec.Decode(0)
	require.Error(t, err)

	trusted := New([]byte{0x42, 0xff, 0xfe}, false)
	_, err = trusted.Decode(0)
	require.NoError(t, err)
}

func TestPointerMustReferenceEarlierOffset(t *testing.T) {
	codec := New([]byte{
		0x41, 0x41, // control (type=string,size=1), payload "A" -- value at offset 0
		0x20, 0x00, // control (type=pointer,variant=0,lead=0), byte 0x00 -> target offset 0
	}, true)

	got, err := codec.Decode(2)
	require.NoError(t, err)
	assert.Equal(t, mmdbtype.String("A"), got)
}
