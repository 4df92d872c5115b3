package session

import (
	"time"

	"github.com/opd-ai/audiolab/audio"
)

// meterLoop publishes engine snapshots at the configured cadence until
// the session closes. Emission is wall-clock driven, independent of
// frame arrival, so an idle session still reports floor values.
func (s *Session) meterLoop() {
	defer close(s.meterDone)

	ticker := time.NewTicker(s.cfg.MeterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopMeter:
			return
		case <-ticker.C:
			s.publishMeter(s.engine.Snapshot())
		}
	}
}

// publishMeter places snap in the latest-wins slot, displacing any
// unread snapshot. The scheduler is the slot's only writer, so after
// dropping the stale value the retry always finds room.
func (s *Session) publishMeter(snap audio.MeterSnapshot) {
	select {
	case s.meterSlot <- snap:
		return
	default:
	}
	select {
	case <-s.meterSlot:
	default:
	}
	select {
	case s.meterSlot <- snap:
	default:
	}
}
