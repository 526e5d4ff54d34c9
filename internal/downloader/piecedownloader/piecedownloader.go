// Package piecedownloader drives the block-request pipeline for a
// single piece against a single peer (spec.md §4.4 "request
// pipeline").
package piecedownloader

import (
	"bytes"
	"errors"

	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
)

const maxQueuedBlocks = 10

// PieceDownloader downloads every block of a piece from one peer,
// pipelining up to maxQueuedBlocks outstanding requests at a time.
type PieceDownloader struct {
	Piece   *piece.Piece
	Peer    *peer.Peer
	blocks  []block
	limiter chan struct{}

	PieceC   chan peer.Piece
	RejectC  chan peer.Request
	ChokeC   chan struct{}
	UnchokeC chan struct{}
	DoneC    chan []byte
	ErrC     chan error
}

type block struct {
	*piece.Block
	requested bool
	data      []byte
}

// New builds a downloader for pi against pe.
func New(pi *piece.Piece, pe *peer.Peer) *PieceDownloader {
	blocks := make([]block, len(pi.Blocks))
	for i := range blocks {
		blocks[i] = block{Block: &pi.Blocks[i]}
	}
	return &PieceDownloader{
		Piece:    pi,
		Peer:     pe,
		blocks:   blocks,
		limiter:  make(chan struct{}, maxQueuedBlocks),
		PieceC:   make(chan peer.Piece),
		RejectC:  make(chan peer.Request),
		ChokeC:   make(chan struct{}),
		UnchokeC: make(chan struct{}),
		DoneC:    make(chan []byte, 1),
		ErrC:     make(chan error, 1),
	}
}

// Run drives the pipeline until every block is downloaded, the peer
// errors, or stopC closes.
func (d *PieceDownloader) Run(stopC chan struct{}) {
	for {
		select {
		case d.limiter <- struct{}{}:
			b := d.nextBlock()
			if b == nil {
				d.limiter = nil
				break
			}
			if err := d.Peer.SendRequest(d.Piece.Index, b.Begin, b.Length); err != nil {
				d.ErrC <- err
				return
			}
		case p := <-d.PieceC:
			b := d.blockAt(p.Begin)
			if b == nil {
				continue
			}
			if b.requested && b.data == nil && d.limiter != nil {
				<-d.limiter
			}
			b.data = p.Data
			if d.allDone() {
				d.DoneC <- d.assembleBlocks().Bytes()
				return
			}
		case req := <-d.RejectC:
			b := d.blockAt(req.Begin)
			if b == nil || !b.requested {
				d.Peer.Close()
				d.ErrC <- errors.New("received invalid reject message")
				return
			}
			b.requested = false
		case <-d.ChokeC:
			for i := range d.blocks {
				if d.blocks[i].data == nil && d.blocks[i].requested {
					d.blocks[i].requested = false
				}
			}
			d.limiter = nil
		case <-d.UnchokeC:
			d.limiter = make(chan struct{}, maxQueuedBlocks)
		case <-stopC:
			return
		}
	}
}

func (d *PieceDownloader) blockAt(begin uint32) *block {
	for i := range d.blocks {
		if d.blocks[i].Begin == begin {
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) nextBlock() *block {
	for i := range d.blocks {
		if !d.blocks[i].requested {
			d.blocks[i].requested = true
			return &d.blocks[i]
		}
	}
	return nil
}

func (d *PieceDownloader) allDone() bool {
	for i := range d.blocks {
		if d.blocks[i].data == nil {
			return false
		}
	}
	return true
}

// CancelPending tells the peer to cancel every block still
// outstanding, used when the piece completed via another peer.
func (d *PieceDownloader) CancelPending() {
	for i := range d.blocks {
		if d.blocks[i].requested && d.blocks[i].data == nil {
			d.Peer.SendCancel(d.Piece.Index, d.blocks[i].Begin, d.blocks[i].Length)
		}
	}
}

func (d *PieceDownloader) assembleBlocks() *bytes.Buffer {
	buf := bytes.NewBuffer(make([]byte, 0, d.Piece.Length))
	for i := range d.blocks {
		buf.Write(d.blocks[i].data)
	}
	return buf
}
