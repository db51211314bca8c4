package h264

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func singleNALPacket(seq uint16, ts uint32, marker bool, naluType byte) Packet {
	return Packet{SequenceNumber: seq, Timestamp: ts, Marker: marker, Payload: []byte{naluType, 0xaa, 0xbb}}
}

// TestSampleBuilderEmitsOnMarker covers the ordinary single-packet-per-NAL
// access unit, closed by the marker bit (scenario E1).
func TestSampleBuilderEmitsOnMarker(t *testing.T) {
	b := NewSampleBuilder()

	out := b.Push(singleNALPacket(10, 1000, false, 7)) // SPS
	require.Empty(t, out)

	out = b.Push(singleNALPacket(11, 1000, false, 8)) // PPS
	require.Empty(t, out)

	out = b.Push(singleNALPacket(12, 1000, true, 5)) // IDR, marker
	require.Len(t, out, 1)
	require.Equal(t, uint32(1000), out[0].Timestamp)
	require.True(t, out[0].Keyframe)
	require.Equal(t, 0, b.LossCount)
}

// TestSampleBuilderReordersWithinWindow covers Property 1: packets
// arriving out of order within the reorder window still assemble into one
// correctly ordered sample.
func TestSampleBuilderReordersWithinWindow(t *testing.T) {
	b := NewSampleBuilder()

	out := b.Push(singleNALPacket(21, 2000, false, 8)) // PPS arrives first
	require.Empty(t, out)

	out = b.Push(singleNALPacket(20, 2000, false, 7)) // SPS arrives late
	require.Empty(t, out)

	out = b.Push(singleNALPacket(22, 2000, true, 5))
	require.Len(t, out, 1)

	// decoding order must be SPS, PPS, IDR despite PPS arriving first on the wire
	require.Equal(t, byte(7), out[0].Data[4]&0x1F)
	require.Equal(t, byte(8), out[0].Data[11]&0x1F)
	require.Equal(t, byte(5), out[0].Data[18]&0x1F)
}

// TestSampleBuilderDropsOnTimestampBoundaryAfterGap covers scenario E4 at
// the sample-builder level: a missing packet inside an access unit is
// detected once a later-timestamp packet proves it will never arrive, and
// the broken sample is dropped rather than emitted.
func TestSampleBuilderDropsOnTimestampBoundaryAfterGap(t *testing.T) {
	b := NewSampleBuilderWindow(2) // tiny window forces a fast resync

	out := b.Push(singleNALPacket(30, 3000, false, 7))
	require.Empty(t, out)

	// seq 31 (the PPS) never arrives.

	out = b.Push(singleNALPacket(32, 3000, true, 5))
	require.Empty(t, out, "gap within the access unit must suppress the marker-closed sample")

	out = b.Push(singleNALPacket(33, 4000, true, 5))
	require.Len(t, out, 1)
	require.Equal(t, uint32(4000), out[0].Timestamp)
	require.GreaterOrEqual(t, b.LossCount, 1)
}

// TestSampleBuilderNoDuplicateProcessing ensures a retransmitted duplicate
// sequence number is ignored rather than double-counted.
func TestSampleBuilderNoDuplicateProcessing(t *testing.T) {
	b := NewSampleBuilder()

	b.Push(singleNALPacket(40, 5000, false, 7))
	out := b.Push(singleNALPacket(40, 5000, false, 7))
	require.Empty(t, out)

	out = b.Push(singleNALPacket(41, 5000, true, 5))
	require.Len(t, out, 1)
}

// TestSampleBuilderEmitsBothSamplesOnBoundaryThenMarker covers Testable
// Property 1's no-lost-sample guarantee for the case where a single
// incoming packet both closes the previous access unit (its timestamp
// differs from what's in progress) and closes its own, brand new
// one-packet access unit (its own marker bit is set). Both samples must
// come out of the same Push, in order.
func TestSampleBuilderEmitsBothSamplesOnBoundaryThenMarker(t *testing.T) {
	b := NewSampleBuilder()

	out := b.Push(singleNALPacket(50, 6000, false, 7)) // starts access unit A, no marker yet
	require.Empty(t, out)

	// A single-NAL, marker-set packet at a new timestamp: it closes A via
	// the timestamp boundary, then closes its own one-packet access unit B
	// via its marker bit, all within this one Push call.
	out = b.Push(singleNALPacket(51, 7000, true, 5))
	require.Len(t, out, 2, "both the boundary-closed and marker-closed samples must be emitted")
	require.Equal(t, uint32(6000), out[0].Timestamp)
	require.Equal(t, uint32(7000), out[1].Timestamp)
	require.True(t, out[1].Keyframe)
}
