package h264

import (
	"bytes"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// MTU is the safe RTP payload size used when fragmenting a NAL unit,
// matching the teacher's bridge.go writeVideoSampleDirect constant.
const MTU = 1200

// Repacketizer re-fragments a reassembled Sample into RTP packets carrying
// a mirror's own SSRC and sequence space. Grounded on the teacher's
// Bridge.writeVideoSampleDirect/extractNALUs (pkg/bridge/bridge.go): the
// same codecs.H264Payloader fragmentation loop, adapted to read Annex-B
// input (this package's own wire format) instead of AVC length-prefixed
// input, and to take an explicit SSRC/PayloadType instead of a single
// shared WebRTC track.
type Repacketizer struct {
	payloader *codecs.H264Payloader
	ssrc      uint32
	pt        uint8
	seq       uint16
}

// NewRepacketizer returns a Repacketizer for one mirror's video stream,
// starting sequence numbers at seqStart (the caller picks this randomly per
// §4.1's per-mirror sequence space requirement).
func NewRepacketizer(ssrc uint32, payloadType uint8, seqStart uint16) *Repacketizer {
	return &Repacketizer{
		payloader: &codecs.H264Payloader{},
		ssrc:      ssrc,
		pt:        payloadType,
		seq:       seqStart,
	}
}

// Repacketize fragments one Sample's Annex-B NAL units into RTP packets
// ready to send to this repacketizer's mirror. The marker bit is set only
// on the final packet of the final NAL unit, matching the access-unit
// boundary the SampleBuilder established.
func (r *Repacketizer) Repacketize(s Sample) ([]*rtp.Packet, error) {
	nalus, err := extractAnnexBNALUs(s.Data)
	if err != nil {
		return nil, fmt.Errorf("h264: repacketize: %w", err)
	}

	var out []*rtp.Packet
	for naluIdx, nalu := range nalus {
		// A NAL that fits the MTU goes out as a single-NAL packet; only
		// larger ones go through the payloader, which fragments them as FU-A.
		var payloads [][]byte
		if len(nalu) <= MTU {
			payloads = [][]byte{append([]byte(nil), nalu...)}
		} else {
			payloads = r.payloader.Payload(MTU, nalu)
		}
		for i, payload := range payloads {
			pkt := &rtp.Packet{
				Header: rtp.Header{
					Version:        2,
					PayloadType:    r.pt,
					SequenceNumber: r.seq,
					Timestamp:      s.Timestamp,
					SSRC:           r.ssrc,
					Marker:         naluIdx == len(nalus)-1 && i == len(payloads)-1,
				},
				Payload: payload,
			}
			r.seq++
			out = append(out, pkt)
		}
	}
	return out, nil
}

// extractAnnexBNALUs splits Annex-B framed data (as produced by
// Depacketizer: each NAL prefixed with 00 00 00 01) back into raw NAL units
// with the start codes stripped, the input codecs.H264Payloader.Payload expects.
func extractAnnexBNALUs(data []byte) ([][]byte, error) {
	var nalus [][]byte
	rest := data

	for len(rest) > 0 {
		if !bytes.HasPrefix(rest, annexBStartCode[:]) {
			return nil, fmt.Errorf("missing Annex-B start code at offset %d", len(data)-len(rest))
		}
		rest = rest[len(annexBStartCode):]

		next := bytes.Index(rest, annexBStartCode[:])
		if next == -1 {
			nalus = append(nalus, rest)
			break
		}
		nalus = append(nalus, rest[:next])
		rest = rest[next:]
	}

	if len(nalus) == 0 {
		return nil, fmt.Errorf("no NAL units in sample")
	}
	return nalus, nil
}
