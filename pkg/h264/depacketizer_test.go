package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fuaPacket(start, end bool, naluType byte, payload []byte) []byte {
	var header byte
	if start {
		header |= 0x80
	}
	if end {
		header |= 0x40
	}
	header |= naluType

	out := []byte{0x7c, header} // indicator NRI=3, type=28 (FU-A)
	return append(out, payload...)
}

func TestDepacketizeSingleNAL(t *testing.T) {
	d := NewDepacketizer()
	nalu := []byte{0x67, 0x01, 0x02, 0x03} // type 7 (SPS)

	out, err := d.Depacketize(100, nalu)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, append(annexBStartCode[:], nalu...), out[0])
}

func TestDepacketizeSTAPA(t *testing.T) {
	d := NewDepacketizer()
	sps := []byte{0x67, 0xaa}
	pps := []byte{0x68, 0xbb}

	payload := []byte{24} // STAP-A indicator
	payload = append(payload, 0x00, byte(len(sps)))
	payload = append(payload, sps...)
	payload = append(payload, 0x00, byte(len(pps)))
	payload = append(payload, pps...)

	out, err := d.Depacketize(1, payload)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Equal(t, append(annexBStartCode[:], sps...), out[0])
	require.Equal(t, append(annexBStartCode[:], pps...), out[1])
}

// TestDepacketizeFUAReassembly covers scenario E3: a three-packet FU-A
// fragment sequence reassembles into one NAL unit with no loss.
func TestDepacketizeFUAReassembly(t *testing.T) {
	d := NewDepacketizer()

	a, err := d.Depacketize(100, fuaPacket(true, false, 5, []byte{0x01, 0x02}))
	require.NoError(t, err)
	require.Nil(t, a)

	b, err := d.Depacketize(101, fuaPacket(false, false, 5, []byte{0x03, 0x04}))
	require.NoError(t, err)
	require.Nil(t, b)

	c, err := d.Depacketize(102, fuaPacket(false, true, 5, []byte{0x05}))
	require.NoError(t, err)
	require.Len(t, c, 1)

	want := append(annexBStartCode[:], []byte{0x65, 0x01, 0x02, 0x03, 0x04, 0x05}...)
	require.Equal(t, want, c[0])
}

// TestDepacketizeFUAMiddleFragmentDropped covers scenario E4: the middle
// fragment of an FU-A sequence never arrives, so the End fragment's
// sequence number breaks contiguity and reassembly is aborted.
func TestDepacketizeFUAMiddleFragmentDropped(t *testing.T) {
	d := NewDepacketizer()

	_, err := d.Depacketize(100, fuaPacket(true, false, 5, []byte{0x01}))
	require.NoError(t, err)

	// packet seq 101 (the middle fragment) is never delivered

	out, err := d.Depacketize(102, fuaPacket(false, true, 5, []byte{0x05}))
	require.ErrorIs(t, err, ErrMalformed)
	require.Nil(t, out)
}

func TestDepacketizeRejectsUnsupportedTypes(t *testing.T) {
	d := NewDepacketizer()
	for _, naluType := range []byte{25, 26, 27, 29} {
		_, err := d.Depacketize(1, []byte{naluType})
		require.ErrorIs(t, err, ErrNotImplemented)
	}
}

func TestDepacketizeRejectsEmptyPayload(t *testing.T) {
	d := NewDepacketizer()
	_, err := d.Depacketize(1, nil)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestIsKeyframeNAL(t *testing.T) {
	idr := append(annexBStartCode[:], 0x65, 0x00)
	nonIDR := append(annexBStartCode[:], 0x41, 0x00)

	require.True(t, IsKeyframeNAL(idr))
	require.False(t, IsKeyframeNAL(nonIDR))
}
