// Package announcer drives a torrent's periodic tracker announces:
// one PeriodicalAnnouncer per tracker tier entry, rescheduling itself
// off the tracker's returned interval (or exponential back-off on
// failure, per BEP12's tiered announce-list semantics), plus a
// StopAnnouncer for the best-effort final "stopped" announce.
package announcer

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/popcorn-fx/torrent-engine/internal/tracker"
	"github.com/popcorn-fx/torrent-engine/logger"
)

// defaultInterval is the re-announce interval used whenever a tracker
// doesn't specify one.
const defaultInterval = 30 * time.Minute

// Result is sent on a PeriodicalAnnouncer's result channel after every
// announce attempt, success or failure.
type Result struct {
	Response *tracker.Response
	Error    error
}

// GetTorrent supplies the current torrent fields to announce with,
// read fresh on every attempt so uploaded/downloaded/left stay
// accurate across a long-lived announcer.
type GetTorrent func() tracker.Torrent

// PeriodicalAnnouncer owns one tracker's announce schedule for the
// lifetime of a torrent.
type PeriodicalAnnouncer struct {
	Tracker    tracker.Tracker
	getTorrent GetTorrent
	resultC    chan Result
	log        logger.Logger

	// requestC lets a caller force an immediate re-announce (e.g. on
	// completion, to send the "completed" event right away instead of
	// waiting for the schedule).
	requestC chan tracker.Event
	closeC   chan struct{}
}

// New builds a PeriodicalAnnouncer for a single tracker. Results are
// sent on resultC, including errors; the caller is responsible for
// draining it for the announcer's lifetime.
func New(trk tracker.Tracker, getTorrent GetTorrent, resultC chan Result, log logger.Logger) *PeriodicalAnnouncer {
	return &PeriodicalAnnouncer{
		Tracker:    trk,
		getTorrent: getTorrent,
		resultC:    resultC,
		log:        log,
		requestC:   make(chan tracker.Event, 1),
		closeC:     make(chan struct{}),
	}
}

// Announce requests an out-of-schedule announce with the given event,
// e.g. EventCompleted the moment a torrent finishes.
func (a *PeriodicalAnnouncer) Announce(event tracker.Event) {
	select {
	case a.requestC <- event:
	default:
	}
}

// Run announces on startup with EventStarted, then reschedules itself
// off the response interval (back-off on error) until Close is called.
func (a *PeriodicalAnnouncer) Run() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 30 * time.Minute
	b.MaxElapsedTime = 0 // retry forever; the caller decides when to stop us

	event := tracker.EventStarted
	for {
		interval, err := a.announceOnce(event)
		event = tracker.EventNone

		var wait time.Duration
		if err != nil {
			wait = b.NextBackOff()
		} else {
			b.Reset()
			wait = jitter(interval)
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case ev := <-a.requestC:
			timer.Stop()
			event = ev
		case <-a.closeC:
			timer.Stop()
			return
		}
	}
}

// jitter spreads a tracker's announce interval by up to ±10 seconds,
// avoiding every torrent in a swarm re-announcing in lockstep.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		d = defaultInterval
	}
	const spread = int64(10 * time.Second)
	j := d + time.Duration(rand.Int63n(2*spread)-spread)
	if j <= 0 {
		return d
	}
	return j
}

func (a *PeriodicalAnnouncer) announceOnce(event tracker.Event) (time.Duration, error) {
	tor := a.getTorrent()
	tor.Event = event
	if tor.NumWant == 0 {
		tor.NumWant = 50
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	resp, err := a.Tracker.Announce(ctx, tor)
	a.sendResult(Result{Response: resp, Error: err})
	if err != nil {
		a.log.Debugln("announce error:", err)
		return 0, err
	}
	if resp.MinInterval > 0 {
		return resp.MinInterval, nil
	}
	return resp.Interval, nil
}

func (a *PeriodicalAnnouncer) sendResult(r Result) {
	select {
	case a.resultC <- r:
	case <-a.closeC:
	}
}

// Close stops Run, without sending a final "stopped" announce (use
// StopAnnouncer for that).
func (a *PeriodicalAnnouncer) Close() {
	select {
	case <-a.closeC:
	default:
		close(a.closeC)
	}
}

// StopAnnouncer sends a single best-effort "stopped" event and then
// reports itself done, used while a torrent is shutting down so the
// tracker frees up our swarm slot promptly instead of waiting out our
// last announce interval.
type StopAnnouncer struct {
	Error error
}

// NewStopAnnouncer builds a StopAnnouncer.
func NewStopAnnouncer() *StopAnnouncer {
	return &StopAnnouncer{}
}

// Run issues the stopped announce against every tracker in trackers,
// bounded by timeout, and sends itself on doneC when all have
// finished or timed out.
func (a *StopAnnouncer) Run(trackers []tracker.Tracker, tor tracker.Torrent, timeout time.Duration, doneC chan *StopAnnouncer) {
	tor.Event = tracker.EventStopped
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for _, trk := range trackers {
		if _, err := trk.Announce(ctx, tor); err != nil {
			a.Error = err
		}
	}
	doneC <- a
}

// Close is a no-op placeholder kept for symmetry with
// PeriodicalAnnouncer's lifecycle, satisfying callers that Close every
// announcer they hold regardless of its concrete type.
func (a *StopAnnouncer) Close() {}
