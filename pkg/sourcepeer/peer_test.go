package sourcepeer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validOfferSDP = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
a=sendonly
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=rtpmap:96 H264/90000
a=fmtp:96 profile-level-id=42e01f;packetization-mode=1
a=sendonly
`

// TestValidateOfferMediaAcceptsPacketizationMode1 covers scenario E1's
// offer shape: an H264/90000 video m-line with packetization-mode=1.
func TestValidateOfferMediaAcceptsPacketizationMode1(t *testing.T) {
	require.NoError(t, validateOfferMedia(validOfferSDP))
}

func TestValidateOfferMediaRejectsOtherPacketizationMode(t *testing.T) {
	offer := `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 96
c=IN IP4 0.0.0.0
a=rtpmap:96 H264/90000
a=fmtp:96 profile-level-id=42e01f;packetization-mode=0
a=sendonly
`
	err := validateOfferMedia(offer)
	require.Error(t, err)
}

func TestValidateOfferMediaRejectsMissingH264(t *testing.T) {
	offer := `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=video 9 UDP/TLS/RTP/SAVPF 97
c=IN IP4 0.0.0.0
a=rtpmap:97 VP8/90000
a=sendonly
`
	err := validateOfferMedia(offer)
	require.Error(t, err)
}

func TestValidateOfferMediaIgnoresAudioOnlyOffer(t *testing.T) {
	offer := `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
t=0 0
m=audio 9 UDP/TLS/RTP/SAVPF 111
c=IN IP4 0.0.0.0
a=rtpmap:111 opus/48000/2
a=sendonly
`
	require.NoError(t, validateOfferMedia(offer))
}

func TestValidateOfferMediaRejectsUnparseableSDP(t *testing.T) {
	require.Error(t, validateOfferMedia("not-a-valid-sdp-line-at-all"))
}
