package sfu

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/stage/internal/domain"
)

// Relay forwards one producer's RTP stream to its consumers' OutTracks.
type Relay struct {
	Src *webrtc.TrackRemote

	mu        sync.RWMutex
	outTracks map[domain.ResourceID]*OutTrack

	cancel context.CancelFunc
}

func NewRelay(src *webrtc.TrackRemote, cancel context.CancelFunc) *Relay {
	return &Relay{
		Src:       src,
		outTracks: make(map[domain.ResourceID]*OutTrack),
		cancel:    cancel,
	}
}

// loop reads RTP packets from the producer track and forwards them to
// every consumer leg.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("relay ctx done, marking all out tracks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.Src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	snapshot := make(map[domain.ResourceID]*OutTrack, len(r.outTracks))
	r.mu.RLock()
	maps.Copy(snapshot, r.outTracks)
	r.mu.RUnlock()

	dirty := make([]domain.ResourceID, 0, len(snapshot))
	for consumerID, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, consumerID)
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().
					Err(err).
					Str("consumer", string(consumerID)).
					Msg("relay write RTP error, marking outtrack as delete")
				ot.MarkDelete()
				dirty = append(dirty, consumerID)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []domain.ResourceID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.outTracks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ot := range r.outTracks {
		ot.MarkDelete()
	}
}

func (r *Relay) AddOutTrack(consumerID domain.ResourceID, ot *OutTrack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTracks[consumerID] = ot
}
