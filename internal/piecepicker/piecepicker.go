// Package piecepicker chooses which piece to request next from a
// given peer: priority descending, then rarest-first (ties broken by
// ascending piece index), skipping pieces already being downloaded
// from another peer.
package piecepicker

import (
	"sort"
	"sync"

	"github.com/popcorn-fx/torrent-engine/internal/bitfield"
	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
)

// PiecePicker tracks, per connected peer, which pieces it has
// advertised (via Bitfield/Have messages) and which pieces are
// currently being downloaded from which peer, so Pick never hands out
// the same piece to two peers at once.
type PiecePicker struct {
	mu sync.Mutex

	pool *piece.Pool

	sequential bool

	have map[*peer.Peer]*bitfield.Bitfield

	// downloading maps a piece index to the peer currently fetching it.
	downloading map[uint32]*peer.Peer

	// snubbed records peers reported via HandleSnubbed (an in-flight
	// request outran the request timeout). Pick does not consult it,
	// and only HandleDisconnect removes an entry.
	snubbed map[*peer.Peer]struct{}
}

// New builds a picker over pool. sequential selects in-order piece
// completion instead of rarest-first within a priority tier.
func New(pool *piece.Pool, sequential bool) *PiecePicker {
	return &PiecePicker{
		pool:        pool,
		sequential:  sequential,
		have:        make(map[*peer.Peer]*bitfield.Bitfield),
		downloading: make(map[uint32]*peer.Peer),
		snubbed:     make(map[*peer.Peer]struct{}),
	}
}

// SetSequential toggles sequential vs rarest-first tie-break, per
// spec.md's sequential_mode() operation.
func (pp *PiecePicker) SetSequential(sequential bool) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.sequential = sequential
}

// HandleHave records that pe now has piece index, bumping that
// piece's availability for rarest-first ranking.
func (pp *PiecePicker) HandleHave(pe *peer.Peer, index uint32) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	bf := pp.bitfieldFor(pe)
	if bf.Test(index) {
		return
	}
	bf.Set(index)
	pp.pool.UpdateAvailability(index, 1)
}

// HandleBitfield records pe's full have-set from a Bitfield message.
func (pp *PiecePicker) HandleBitfield(pe *peer.Peer, remote *bitfield.Bitfield) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	bf := pp.bitfieldFor(pe)
	for i := uint32(0); i < remote.Len(); i++ {
		if remote.Test(i) && !bf.Test(i) {
			bf.Set(i)
			pp.pool.UpdateAvailability(i, 1)
		}
	}
}

// DoesHave reports whether pe has advertised piece index.
func (pp *PiecePicker) DoesHave(pe *peer.Peer, index uint32) bool {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	bf, ok := pp.have[pe]
	if !ok {
		return false
	}
	return bf.Test(index)
}

// HandleSnubbed records pe as snubbed. It does not release pe's
// in-flight download of index, and the record does not change what
// Pick returns for pe.
func (pp *PiecePicker) HandleSnubbed(pe *peer.Peer, index uint32) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	pp.snubbed[pe] = struct{}{}
}

// HandleCancelDownload releases index so another peer can be picked
// for it, used when a piece's download from pe is abandoned (choke,
// reject storm, or the piece completed from elsewhere first).
func (pp *PiecePicker) HandleCancelDownload(pe *peer.Peer, index uint32) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.downloading[index] == pe {
		delete(pp.downloading, index)
	}
}

// HandleDisconnect releases every piece pe was downloading and forgets
// its have-set and availability contribution.
func (pp *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for index, owner := range pp.downloading {
		if owner == pe {
			delete(pp.downloading, index)
		}
	}
	if bf, ok := pp.have[pe]; ok {
		for i := uint32(0); i < bf.Len(); i++ {
			if bf.Test(i) {
				pp.pool.UpdateAvailability(i, -1)
			}
		}
		delete(pp.have, pe)
	}
	delete(pp.snubbed, pe)
}

// Pick chooses the next piece to request from pe: highest priority
// tier pe has and we want, not already being downloaded from another
// peer, broken by rarest-first (or ascending index in sequential
// mode). Returns nil if pe has nothing we currently want.
func (pp *PiecePicker) Pick(pe *peer.Peer) *piece.Piece {
	pp.mu.Lock()
	defer pp.mu.Unlock()

	bf, ok := pp.have[pe]
	if !ok {
		return nil
	}

	candidates := pp.pool.WantedPieces()
	var usable []*piece.Piece
	for _, pc := range candidates {
		if !bf.Test(pc.Index) {
			continue
		}
		if owner, busy := pp.downloading[pc.Index]; busy && owner != pe {
			continue
		}
		usable = append(usable, pc)
	}
	if len(usable) == 0 {
		return nil
	}

	if !pp.sequential {
		sort.SliceStable(usable, func(i, j int) bool {
			if usable[i].Priority != usable[j].Priority {
				return usable[i].Priority > usable[j].Priority
			}
			if usable[i].Availability != usable[j].Availability {
				return usable[i].Availability < usable[j].Availability
			}
			return usable[i].Index < usable[j].Index
		})
	}

	chosen := usable[0]
	pp.downloading[chosen.Index] = pe
	return chosen
}

func (pp *PiecePicker) bitfieldFor(pe *peer.Peer) *bitfield.Bitfield {
	bf, ok := pp.have[pe]
	if !ok {
		bf = bitfield.New(uint32(pp.pool.Len()))
		pp.have[pe] = bf
	}
	return bf
}
