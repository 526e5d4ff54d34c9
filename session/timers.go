package session

import (
	"math/rand"
	"sort"

	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
)

// tickUnchoke runs every UnchokeInterval, unchoking the top
// UnchokedPeers peers by observed download rate (the rate we get from
// them, which is what rewards peers that upload to us) and choking
// everyone else, except whoever the optimistic rotation currently
// holds open (spec.md §4.3 "choking policy": acceptable implementation
// is periodic optimistic unchoke of one random peer, otherwise unchoke
// the top-K by observed rate).
func (t *Torrent) tickUnchoke() {
	t.mu.RLock()
	peers := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		peers = append(peers, pe)
	}
	t.mu.RUnlock()

	sort.Slice(peers, func(i, j int) bool {
		return peers[i].DownloadSpeed() > peers[j].DownloadSpeed()
	})

	unchokeCount := t.cfg.UnchokedPeers
	if unchokeCount <= 0 {
		unchokeCount = 4
	}

	for i, pe := range peers {
		want := i < unchokeCount || pe.OptimisticUnchoked
		if want && pe.AmChoking {
			pe.AmChoking = false
			pe.SendMessage(peerprotocol.UnchokeMessage{})
		} else if !want && !pe.AmChoking {
			pe.AmChoking = true
			pe.SendMessage(peerprotocol.ChokeMessage{})
		}
	}
}

// tickOptimisticUnchoke runs every OptimisticUnchokeInterval, moving
// the optimistic-unchoke slot to a random interested peer (possibly
// one already unchoked) so peers that don't yet upload to us still get
// a chance to prove themselves.
func (t *Torrent) tickOptimisticUnchoke() {
	t.mu.RLock()
	candidates := make([]*peer.Peer, 0, len(t.peers))
	for pe := range t.peers {
		if pe.OptimisticUnchoked {
			pe.OptimisticUnchoked = false
		}
		if pe.PeerInterested {
			candidates = append(candidates, pe)
		}
	}
	t.mu.RUnlock()

	if len(candidates) == 0 {
		return
	}
	chosen := candidates[rand.Intn(len(candidates))]
	chosen.OptimisticUnchoked = true
	if chosen.AmChoking {
		chosen.AmChoking = false
		chosen.SendMessage(peerprotocol.UnchokeMessage{})
	}
}
