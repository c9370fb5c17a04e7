package syncdb

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *PageCodec {
	t.Helper()
	codec, err := NewPageCodec()
	require.NoError(t, err)
	t.Cleanup(codec.Close)
	return codec
}

func TestPageCodec_SmallPayloadStaysIdentity(t *testing.T) {
	codec := newTestCodec(t)

	data := []byte(`[{"id":"1","body":"short"}]`)
	payload, encoding, digest, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, EncodingIdentity, encoding)
	assert.Equal(t, data, payload)
	assert.NotEmpty(t, digest)

	out, err := codec.Decode(payload, encoding, digest)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestPageCodec_LargePayloadCompresses(t *testing.T) {
	codec := newTestCodec(t)

	data := bytes.Repeat([]byte("the same post body over and over "), 200)
	payload, encoding, digest, err := codec.Encode(data)
	require.NoError(t, err)
	assert.Equal(t, EncodingZstd, encoding)
	assert.Less(t, len(payload), len(data))

	out, err := codec.Decode(payload, encoding, digest)
	require.NoError(t, err)
	assert.Equal(t, data, out)
}

func TestPageCodec_DigestMismatch(t *testing.T) {
	codec := newTestCodec(t)

	data := []byte(`[{"id":"1"}]`)
	payload, encoding, digest, err := codec.Encode(data)
	require.NoError(t, err)

	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xff

	_, err = codec.Decode(tampered, encoding, digest)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestPageCodec_TooLarge(t *testing.T) {
	codec := newTestCodec(t)

	_, _, _, err := codec.Encode(make([]byte, MaxPayloadSize+1))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestPageCodec_UnknownEncoding(t *testing.T) {
	codec := newTestCodec(t)

	_, err := codec.Decode([]byte("x"), "gzip", "")
	assert.Error(t, err)
}
