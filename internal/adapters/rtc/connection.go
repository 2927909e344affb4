package rtc

import (
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/stage/internal/domain"
)

// Connection wraps one PeerConnection backing an engine transport.
type Connection struct {
	pc *webrtc.PeerConnection
	id domain.ResourceID

	onTrack func(track *webrtc.TrackRemote)
}

func NewConnection(cfg webrtc.Configuration, id domain.ResourceID) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc, id: id}

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Str("transport", string(id)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("transport", string(id)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		if c.onTrack != nil {
			c.onTrack(track)
		}
	})
	return c, nil
}

// OnTrack sets the callback for incoming remote tracks. Set it before
// the answer is applied.
func (c *Connection) OnTrack(fn func(track *webrtc.TrackRemote)) {
	c.onTrack = fn
}

// CreateOfferAndGather builds the transport's connection parameters:
// a full local offer with ICE gathering already complete, so the blob
// is self-contained and needs no trickle channel.
func (c *Connection) CreateOfferAndGather() (*webrtc.SessionDescription, error) {
	if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		return nil, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	<-gatherComplete
	return c.pc.LocalDescription(), nil
}

// ApplyAnswer finishes the handshake with the client's answer.
func (c *Connection) ApplyAnswer(sdp string) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// AddLocalTrack attaches a consumer leg to the PeerConnection.
func (c *Connection) AddLocalTrack(track *webrtc.TrackLocalStaticRTP) (*webrtc.RTPSender, error) {
	return c.pc.AddTrack(track)
}

func (c *Connection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("transport", string(c.id)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("transport", string(c.id)).Msg("closed")
}
