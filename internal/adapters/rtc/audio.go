package rtc

import (
	"context"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	opusFrameInterval = 20 * time.Millisecond
	opusTimestampStep = 960 // 48kHz * 20ms
)

// opusSilence is a minimal DTX-style opus frame.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// feedSilence writes timed opus silence frames to the local track until ctx
// is done. The track binding rewrites SSRC and payload type downstream.
func feedSilence(ctx context.Context, track *webrtc.TrackLocalStaticRTP) {
	ticker := time.NewTicker(opusFrameInterval)
	defer ticker.Stop()

	pkt := rtp.Packet{
		Header: rtp.Header{
			Version: 2,
		},
		Payload: opusSilence,
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pkt.Header.SequenceNumber++
			pkt.Header.Timestamp += opusTimestampStep
			if err := track.WriteRTP(&pkt); err != nil {
				log.Debug().Err(err).Str("module", "rtc").Msg("silence feeder stopping")
				return
			}
		}
	}
}
