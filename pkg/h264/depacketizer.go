// Package h264 implements the H.264 RTP depacketisation/repacketisation
// path adopted by the mirror fan-out: turning inbound RTP payloads into
// Annex-B access units (§4.1) and turning access units back into RTP for a
// specific mirror's own sequence/SSRC space. It descends directly from the
// teacher's pkg/rtp/h264.go (gtfodev-camsRelay), restructured to return NAL
// units to a caller-owned SampleBuilder instead of invoking a frame
// callback, so reordering and completion timing live in one place (§4.1
// "Sample builder").
package h264

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NAL unit types relevant to depacketisation and keyframe detection.
const (
	NALTypeSlice  = 1
	NALTypeIDR    = 5
	NALTypeSEI    = 6
	NALTypeSPS    = 7
	NALTypePPS    = 8
	NALTypeSTAPA  = 24
	NALTypeFUA    = 28
)

var annexBStartCode = [4]byte{0, 0, 0, 1}

// ErrMalformed signals a malformed RTP payload per spec §4.1: a payload
// shorter than 1 byte, an FU-A shorter than 2 bytes, a STAP-A whose declared
// size exceeds the remaining payload, or an FU-A fragment sequence with a
// gap. The caller drops the in-flight access unit and reports
// errkind.DepacketMalformed.
var ErrMalformed = errors.New("h264: malformed RTP payload")

// ErrNotImplemented signals RTP payload types 25-27 and 29 (STAP-B, MTAP16,
// MTAP24, FU-B), which spec §4.1 explicitly rejects.
var ErrNotImplemented = errors.New("h264: packetisation mode not implemented")

// Depacketizer turns RTP payloads, consumed in arrival order, into Annex-B
// framed NAL units. FU-A reassembly is the only stateful part: it tracks
// the fragment buffer and the sequence number of the last fragment it
// accepted, so a gap inside a fragmented NAL (a dropped middle fragment) is
// detected immediately rather than silently producing a corrupt NAL.
type Depacketizer struct {
	fu       []byte
	fuActive bool
	fuSeq    uint16
}

// NewDepacketizer returns a ready Depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Depacketize consumes one RTP payload (with its sequence number, needed to
// detect gaps inside a fragmented NAL) and returns zero or more complete,
// Annex-B-prefixed NAL units: STAP-A yields several in one call, FU-A yields
// exactly one once its End fragment arrives (nil, nil otherwise), and a
// single-NAL payload yields exactly one immediately.
func (d *Depacketizer) Depacketize(seq uint16, payload []byte) ([][]byte, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}

	naluType := payload[0] & 0x1F

	switch {
	case naluType == NALTypeSTAPA:
		return d.depacketizeSTAPA(payload)
	case naluType == NALTypeFUA:
		return d.depacketizeFUA(seq, payload)
	case naluType >= 1 && naluType <= 23:
		return [][]byte{annexB(payload)}, nil
	case naluType == 25 || naluType == 26 || naluType == 27 || naluType == 29:
		return nil, fmt.Errorf("%w: NAL type %d", ErrNotImplemented, naluType)
	default:
		return nil, fmt.Errorf("%w: unsupported NAL type %d", ErrMalformed, naluType)
	}
}

func (d *Depacketizer) depacketizeSTAPA(payload []byte) ([][]byte, error) {
	buf := payload[1:]
	var out [][]byte

	for len(buf) > 2 {
		size := binary.BigEndian.Uint16(buf[:2])
		buf = buf[2:]
		if int(size) > len(buf) {
			return nil, fmt.Errorf("%w: STAP-A size exceeds payload", ErrMalformed)
		}
		out = append(out, annexB(buf[:size]))
		buf = buf[size:]
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty STAP-A aggregate", ErrMalformed)
	}
	return out, nil
}

func (d *Depacketizer) depacketizeFUA(seq uint16, payload []byte) ([][]byte, error) {
	if len(payload) < 2 {
		d.resetFU()
		return nil, fmt.Errorf("%w: FU-A shorter than 2 bytes", ErrMalformed)
	}

	indicator := payload[0]
	header := payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0
	naluType := header & 0x1F

	switch {
	case start:
		d.fu = append(d.fu[:0], (indicator&0xE0)|naluType)
		d.fuActive = true
		d.fuSeq = seq
	case !d.fuActive:
		// No Start fragment seen yet: discard this orphan continuation.
		return nil, nil
	case seq != d.fuSeq+1:
		d.resetFU()
		return nil, fmt.Errorf("%w: FU-A sequence gap", ErrMalformed)
	default:
		d.fuSeq = seq
	}

	d.fu = append(d.fu, payload[2:]...)

	if end {
		nalu := append([]byte(nil), d.fu...)
		d.resetFU()
		return [][]byte{annexB(nalu)}, nil
	}

	return nil, nil
}

func (d *Depacketizer) resetFU() {
	d.fu = d.fu[:0]
	d.fuActive = false
}

func annexB(nalu []byte) []byte {
	out := make([]byte, 0, len(annexBStartCode)+len(nalu))
	out = append(out, annexBStartCode[:]...)
	return append(out, nalu...)
}

// IsKeyframeNAL reports whether an Annex-B-framed NAL unit (as produced by
// Depacketize) is an IDR slice.
func IsKeyframeNAL(nalu []byte) bool {
	if len(nalu) <= len(annexBStartCode) {
		return false
	}
	return nalu[len(annexBStartCode)]&0x1F == NALTypeIDR
}
