package session

import (
	"context"
	"net"
	"time"

	"github.com/popcorn-fx/torrent-engine/internal/acceptor"
	"github.com/popcorn-fx/torrent-engine/internal/addrlist"
	"github.com/popcorn-fx/torrent-engine/internal/allocator"
	"github.com/popcorn-fx/torrent-engine/internal/announcer"
	"github.com/popcorn-fx/torrent-engine/internal/bitfield"
	"github.com/popcorn-fx/torrent-engine/internal/downloader/piecedownloader"
	"github.com/popcorn-fx/torrent-engine/internal/handshaker/incominghandshaker"
	"github.com/popcorn-fx/torrent-engine/internal/handshaker/outgoinghandshaker"
	"github.com/popcorn-fx/torrent-engine/internal/hashcheck"
	"github.com/popcorn-fx/torrent-engine/internal/metadataext"
	"github.com/popcorn-fx/torrent-engine/internal/peer"
	"github.com/popcorn-fx/torrent-engine/internal/peerconn"
	"github.com/popcorn-fx/torrent-engine/internal/peerprotocol"
	"github.com/popcorn-fx/torrent-engine/internal/pex"
	"github.com/popcorn-fx/torrent-engine/internal/piece"
	"github.com/popcorn-fx/torrent-engine/internal/storage"
	"github.com/popcorn-fx/torrent-engine/internal/tracker"
	"github.com/popcorn-fx/torrent-engine/internal/verifier"
)

// schedulingTickInterval is the ~1s period from spec.md §4.8: emit
// Stats, open outbound connections if under the desired peer count,
// and fill under-filled request pipelines for unchoked+interested
// peers.
const schedulingTickInterval = time.Second

// pieceResult is how a background piecedownloader goroutine hands its
// outcome back to the run loop; the loop's own state (pieces, picker,
// peers) is only ever touched from that one goroutine (spec.md §5).
type pieceResult struct {
	pe   *peer.Peer
	pc   *piece.Piece
	data []byte
	err  error
}

// hashSource adapts a piece.Pool's per-index hashes to hashcheck.Source.
type hashSource struct{ pool *piece.Pool }

func (s hashSource) HashV1(index uint32) []byte {
	if pc := s.pool.Get(index); pc != nil {
		return pc.HashV1
	}
	return nil
}

func (s hashSource) HashV2(index uint32) []byte {
	if pc := s.pool.Get(index); pc != nil {
		return pc.HashV2
	}
	return nil
}

// Start launches the torrent's background workers (acceptor, run
// loop) in their own goroutines. Callers observe progress via Events().
func (t *Torrent) Start() error {
	a, err := acceptor.New("0.0.0.0", t.port, t.incomingConnC, t.log)
	if err != nil {
		return err
	}
	t.acceptor = a
	go a.Run()
	if t.port == 0 {
		t.port = a.Port()
	}

	t.pieceResultC = make(chan pieceResult, 16)

	go t.run()
	return nil
}

func (t *Torrent) run() {
	defer close(t.doneC)
	defer t.shutdown()

	if !t.magnetOnly {
		t.beginCheckingFiles()
	} else {
		t.setState(DownloadingMetadata)
	}
	t.startAnnouncers()
	if t.useDHT {
		t.dhtNode.PeersRequest(t.infoHash.Short(), true)
	}

	tick := time.NewTicker(schedulingTickInterval)
	defer tick.Stop()
	unchokeTick := time.NewTicker(durationOr(t.cfg.UnchokeInterval, 10*time.Second))
	defer unchokeTick.Stop()
	optimisticTick := time.NewTicker(durationOr(t.cfg.OptimisticUnchokeInterval, 30*time.Second))
	defer optimisticTick.Stop()
	pexTick := time.NewTicker(durationOr(t.cfg.PEXInterval, 90*time.Second))
	defer pexTick.Stop()

	for {
		select {
		case <-t.closeC:
			return

		case conn := <-t.incomingConnC:
			t.handleIncomingConn(conn)
		case h := <-t.incomingHandshakerResultC:
			t.handleIncomingHandshakeResult(h)
		case h := <-t.outgoingHandshakerResultC:
			t.handleOutgoingHandshakeResult(h)

		case msg := <-t.messages:
			t.handleMessage(msg)
		case pd := <-t.pieceMessages:
			t.handlePieceMessage(pd)
		case pe := <-t.disconnectedC:
			t.handleDisconnect(pe)
		case pe := <-t.snubbedC:
			t.handleSnubbed(pe)
		case res := <-t.pieceResultC:
			t.handlePieceResult(res)
		case indices := <-t.priorityCancelC:
			t.cancelDownloadsForIndices(indices)

		case <-t.allocatorProgressC:
		case a := <-t.allocatorResultC:
			t.handleAllocatorResult(a)
		case <-t.verifierProgressC:
		case v := <-t.verifierResultC:
			t.handleVerifierResult(v)

		case res := <-t.announcerResultC:
			t.handleAnnouncerResult(res)
		case addrs := <-t.dhtC:
			t.addrList.Push(addrs, addrlist.DHT)
			t.emit(Event{Kind: EventPeersDiscovered, Addrs: addrs})

		case <-unchokeTick.C:
			t.tickUnchoke()
		case <-optimisticTick.C:
			t.tickOptimisticUnchoke()
		case <-pexTick.C:
			for pe, ps := range t.peers {
				id, ok := ps.extMsgIDs[peerprotocol.ExtensionNamePEX]
				if !t.cfg.PEXEnabled || !ok || id == 0 {
					continue
				}
				if msg := ps.pex.Message(); msg != nil {
					pe.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: id, Payload: msg})
				}
			}

		case <-tick.C:
			t.schedulingTick()
		}
	}
}

func durationOr(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

// shutdown tears down every background worker. Called once, via
// defer, when run returns.
func (t *Torrent) shutdown() {
	if t.acceptor != nil {
		t.acceptor.Close()
	}
	for _, a := range t.announcers {
		a.Close()
	}
	for pe := range t.peers {
		pe.Close()
	}
	for h := range t.incomingHandshakers {
		h.Close()
	}
	for h := range t.outgoingHandshakers {
		h.Close()
	}
	if len(t.trackers) > 0 {
		sa := announcer.NewStopAnnouncer()
		doneC := make(chan *announcer.StopAnnouncer, 1)
		go sa.Run(t.trackers, t.announceTorrentSnapshot(), t.cfg.TrackerStopTimeout, doneC)
		select {
		case <-doneC:
		case <-time.After(t.cfg.TrackerStopTimeout + time.Second):
		}
	}
	if t.storage != nil {
		_ = t.storage.Close()
	}
}

// beginCheckingFiles runs the allocator then the verifier before any
// peer connection is attempted, per spec.md §4.8's state diagram
// (Initializing -> CheckingFiles -> Downloading).
func (t *Torrent) beginCheckingFiles() {
	t.setState(CheckingFiles)
	t.allocator = allocator.New()
	go t.allocator.Run(t.files, t.storage, t.allocatorProgressC, t.allocatorResultC)
}

func (t *Torrent) handleAllocatorResult(a *allocator.Allocator) {
	if a.Error != nil {
		t.fail(a.Error)
		return
	}
	t.verifier = verifier.New()
	go t.verifier.Run(t.pieces, t.files, t.storage, t.verifierProgressC, t.verifierResultC)
}

func (t *Torrent) handleVerifierResult(v *verifier.Verifier) {
	if v.Error != nil {
		t.fail(v.Error)
		return
	}
	t.afterChecked()
}

// afterChecked is reached once hash-checking (or, for a freshly added
// magnet torrent, metadata resolution) has happened, and decides
// whether the torrent is already complete or needs to start
// downloading.
func (t *Torrent) afterChecked() {
	t.mu.RLock()
	paused := t.state == Paused
	complete := t.pieces != nil && t.pieces.IsCompleted(false)
	t.mu.RUnlock()
	if paused {
		return
	}
	if complete {
		t.onCompleted()
		return
	}
	t.setState(Downloading)
}

func (t *Torrent) onCompleted() {
	t.setState(Completed)
	for _, a := range t.announcers {
		a.Announce(tracker.EventCompleted)
	}
	t.setState(Seeding)
}

func (t *Torrent) fail(err error) {
	t.mu.Lock()
	t.lastErr = err
	t.mu.Unlock()
	t.log.Errorln("torrent error:", err)
	t.setState(Error)
}

// startAnnouncers launches one PeriodicalAnnouncer per tracker
// (spec.md §4.6/§4.8: "resolve -> announce -> handshake ...").
func (t *Torrent) startAnnouncers() {
	if len(t.trackers) == 0 {
		return
	}
	t.announcerResultC = make(chan announcer.Result, len(t.trackers)*2)
	for _, trk := range t.trackers {
		a := announcer.New(trk, t.announceTorrentSnapshot, t.announcerResultC, t.log)
		t.announcers = append(t.announcers, a)
		go a.Run()
	}
}

func (t *Torrent) handleAnnouncerResult(res announcer.Result) {
	if res.Error != nil || res.Response == nil {
		return
	}
	all := append(append([]*net.TCPAddr{}, res.Response.Peers...), res.Response.Peers6...)
	if len(all) > 0 {
		t.addrList.Push(all, addrlist.Tracker)
		t.emit(Event{Kind: EventPeersDiscovered, Addrs: all})
	}
}

// announceOnce issues one announce against trk, bounded by timeout.
func announceOnce(trk tracker.Tracker, tor tracker.Torrent, timeout time.Duration) (*tracker.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return trk.Announce(ctx, tor)
}

// schedulingTick is the per-second pass from spec.md §4.8: emit
// Stats, dial new peers if under the desired outbound count, and keep
// every unchoked+interested peer's request pipeline full.
func (t *Torrent) schedulingTick() {
	t.emit(Event{Kind: EventStats, Stats: t.Stats()})

	t.mu.RLock()
	state := t.state
	t.mu.RUnlock()

	outbound := 0
	for pe := range t.peers {
		if pe.ConnectionType == peer.Outbound {
			outbound++
		}
	}
	maxDial := t.cfg.MaxPeerDial

	if state == Downloading || state == Seeding || state == DownloadingMetadata {
		for outbound < maxDial && len(t.outgoingHandshakers) < maxDial {
			addr := t.addrList.Pop()
			if addr == nil {
				break
			}
			t.dialPeer(addr)
			outbound++
		}
	}

	if state == Downloading {
		t.fillRequestPipelines()
		t.checkCompletion()
	}
}

func (t *Torrent) dialPeer(addr *net.TCPAddr) {
	if t.blocklist != nil && t.blocklist.Blocked(addr.IP) {
		return
	}
	if _, dup := t.connectedIPs[addr.IP.String()]; dup {
		return
	}
	h := outgoinghandshaker.New(addr)
	t.outgoingHandshakers[h] = struct{}{}
	go h.Run(t.cfg.PeerConnectTimeout, t.cfg.PeerHandshakeTimeout, t.peerID, t.infoHash.Short(), t.outgoingHandshakerResultC, ourExtensions)
}

func (t *Torrent) handleIncomingConn(conn net.Conn) {
	tcpAddr, _ := conn.RemoteAddr().(*net.TCPAddr)
	if tcpAddr != nil && t.blocklist != nil && t.blocklist.Blocked(tcpAddr.IP) {
		conn.Close()
		return
	}
	if len(t.incomingHandshakers) >= t.cfg.MaxPeerAccept {
		conn.Close()
		return
	}
	h := incominghandshaker.New(conn)
	t.incomingHandshakers[h] = struct{}{}
	go h.Run(t.peerID, func(ih [20]byte) bool { return ih == t.infoHash.Short() }, t.incomingHandshakerResultC, t.cfg.PeerHandshakeTimeout, ourExtensions)
}

func (t *Torrent) handleOutgoingHandshakeResult(h *outgoinghandshaker.OutgoingHandshaker) {
	delete(t.outgoingHandshakers, h)
	if h.Error != nil {
		return
	}
	t.addEstablishedPeer(h.Conn, h.PeerID, h.Extensions, peer.Outbound)
}

func (t *Torrent) handleIncomingHandshakeResult(h *incominghandshaker.IncomingHandshaker) {
	delete(t.incomingHandshakers, h)
	if h.Error != nil {
		return
	}
	t.addEstablishedPeer(h.Conn, h.PeerID, h.Extensions, peer.Inbound)
}

func (t *Torrent) addEstablishedPeer(conn net.Conn, peerID [20]byte, ext [8]byte, ct peer.ConnectionType) {
	addr, _ := conn.RemoteAddr().(*net.TCPAddr)
	if addr != nil {
		if _, dup := t.connectedIPs[addr.IP.String()]; dup {
			conn.Close()
			return
		}
		t.connectedIPs[addr.IP.String()] = struct{}{}
	}

	pc := peerconn.New(conn, peerID, ext, t.log, t.cfg.RequestTimeout, 64*1024)
	pe := peer.New(pc, t.cfg.RequestTimeout)
	pe.ConnectionType = ct

	ps := &peerState{pex: pex.New()}
	t.mu.RLock()
	npieces := 0
	if t.pieces != nil {
		npieces = t.pieces.Len()
	}
	t.mu.RUnlock()
	t.peers[pe] = ps

	if t.picker != nil {
		t.picker.HandleBitfield(pe, bitfield.New(uint32(npieces)))
	}

	go pe.Run(t.messages, t.pieceMessages, t.snubbedC, t.disconnectedC)

	pe.SendMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionIDHandshake,
		Payload:           t.extensionHandshakePayload(),
	})
	if t.pieces != nil && t.pieces.Bitfield().Count() > 0 {
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: t.pieces.Bitfield().Bytes()})
	}

	info := PeerInfo{Addr: pe.Addr(), PeerID: pe.ID(), ConnectionType: connTypeName(ct)}
	t.emit(Event{Kind: EventPeerConnected, Peer: info})

	for other, ops := range t.peers {
		if other == pe {
			continue
		}
		if a := other.Addr(); a != nil {
			ps.pex.Add(a)
		}
		if a := pe.Addr(); a != nil {
			ops.pex.Add(a)
		}
	}
}

func connTypeName(ct peer.ConnectionType) string {
	if ct == peer.Inbound {
		return "inbound"
	}
	return "outbound"
}

func (t *Torrent) extensionHandshakePayload() *peerprotocol.ExtensionHandshakeMessage {
	var metaSize uint32
	t.mu.RLock()
	if t.info != nil {
		metaSize = uint32(len(t.info.Bytes))
	}
	t.mu.RUnlock()
	return peerprotocol.NewExtensionHandshake(metaSize, "torrent-engine", nil)
}

func (t *Torrent) handleDisconnect(pe *peer.Peer) {
	if _, ok := t.peers[pe]; !ok {
		return
	}
	delete(t.peers, pe)
	if addr := pe.Addr(); addr != nil {
		delete(t.connectedIPs, addr.IP.String())
	}
	if t.picker != nil {
		t.picker.HandleDisconnect(pe)
	}
	if dl, ok := t.pieceDownloaders[pe]; ok {
		close(dl.stopC)
		delete(t.pieceDownloaders, pe)
	}
	delete(t.mismatchCounts, pe)
	for other, ops := range t.peers {
		if other == pe {
			continue
		}
		if addr := pe.Addr(); addr != nil {
			ops.pex.Drop(addr)
		}
	}
	info := PeerInfo{Addr: pe.Addr(), PeerID: pe.ID(), ConnectionType: connTypeName(pe.ConnectionType)}
	t.emit(Event{Kind: EventPeerDisconnected, Peer: info})
}

// handleSnubbed marks a peer as slow (spec.md §4.4): its current piece
// download is abandoned so the piece can be re-picked from a faster
// peer. pe.Snubbed is set, but neither the choking ticks nor the piece
// picker consult it.
func (t *Torrent) handleSnubbed(pe *peer.Peer) {
	pe.Snubbed = true
	dl, ok := t.pieceDownloaders[pe]
	if !ok {
		return
	}
	close(dl.stopC)
	delete(t.pieceDownloaders, pe)
	if t.picker != nil {
		t.picker.HandleSnubbed(pe, dl.pd.Piece.Index)
		t.picker.HandleCancelDownload(pe, dl.pd.Piece.Index)
	}
}

// handleMessage dispatches a single wire message from a connected
// peer (spec.md §4.3 "message loop").
func (t *Torrent) handleMessage(m peer.Message) {
	pe := m.Peer
	ps, ok := t.peers[pe]
	if !ok {
		return
	}
	switch msg := m.Message.(type) {
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		t.forwardToDownload(pe, func(pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
			select {
			case pd.ChokeC <- struct{}{}:
			case <-stopC:
			}
		})
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		t.forwardToDownload(pe, func(pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
			select {
			case pd.UnchokeC <- struct{}{}:
			case <-stopC:
			}
		})
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
	case peerprotocol.HaveMessage:
		if t.picker != nil {
			t.picker.HandleHave(pe, msg.Index)
		}
		t.updateInterest(pe)
	case peerprotocol.BitfieldMessage:
		if t.pieces != nil {
			bf, err := bitfield.NewBytes(msg.Data, uint32(t.pieces.Len()))
			if err == nil && t.picker != nil {
				t.picker.HandleBitfield(pe, bf)
			}
		}
		t.updateInterest(pe)
	case peerprotocol.RequestMessage:
		t.handlePeerRequest(pe, msg)
	case peerprotocol.RejectMessage:
		t.forwardToDownload(pe, func(pd *piecedownloader.PieceDownloader, stopC chan struct{}) {
			select {
			case pd.RejectC <- peer.Request{Piece: msg.Index, Begin: msg.Begin, Length: msg.Length}:
			case <-stopC:
			}
		})
	case peerprotocol.CancelMessage:
		// Best effort: upload requests aren't queued separately in this
		// engine, so a cancel is a no-op once the piece reply may
		// already be in flight.
	case peerprotocol.PortMessage:
		if t.useDHT {
			t.dhtNode.PeersRequest(t.infoHash.Short(), false)
		}
	case peerprotocol.RawExtensionMessage:
		t.handleExtensionMessage(pe, ps, msg)
	}
}

// forwardToDownload routes a peer-addressed reply into that peer's
// active piecedownloader, off the run loop goroutine so a blocked
// send can never stall the whole torrent.
func (t *Torrent) forwardToDownload(pe *peer.Peer, send func(*piecedownloader.PieceDownloader, chan struct{})) {
	dl, ok := t.pieceDownloaders[pe]
	if !ok {
		return
	}
	go send(dl.pd, dl.stopC)
}

func (t *Torrent) updateInterest(pe *peer.Peer) {
	if t.pieces == nil || t.picker == nil {
		return
	}
	interested := false
	for _, pc := range t.pieces.WantedPieces() {
		if t.picker.DoesHave(pe, pc.Index) {
			interested = true
			break
		}
	}
	if interested != pe.AmInterested {
		pe.AmInterested = interested
		if interested {
			pe.SendMessage(peerprotocol.InterestedMessage{})
		} else {
			pe.SendMessage(peerprotocol.NotInterestedMessage{})
		}
	}
}

func (t *Torrent) handlePeerRequest(pe *peer.Peer, req peerprotocol.RequestMessage) {
	if pe.AmChoking || t.files == nil || t.pieces == nil {
		return
	}
	pc := t.pieces.Get(req.Index)
	if pc == nil {
		return
	}
	abs := pc.Offset + int64(req.Begin)
	fi := t.files.FileIndexAtOffset(abs)
	if fi == -1 {
		return
	}
	f := t.files.Get(fi)
	within := abs - f.TorrentOffset
	data, err := t.storage.ReadWithPadding(f.TorrentPath, storage.Range{Begin: within, End: within + int64(req.Length)})
	if err != nil {
		return
	}
	pe.SendMessage(peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin, Data: data})
	pe.CountUpload(len(data))
}

func (t *Torrent) handleExtensionMessage(pe *peer.Peer, ps *peerState, msg peerprotocol.RawExtensionMessage) {
	if msg.ExtendedMessageID == peerprotocol.ExtensionIDHandshake {
		hs, err := peerprotocol.DecodeExtensionHandshake(msg.Body)
		if err != nil {
			return
		}
		pe.ExtensionHandshake = hs
		ps.extMsgIDs = hs.M
		t.mu.RLock()
		noMetadata := t.info == nil
		t.mu.RUnlock()
		if noMetadata {
			if extID, ok := hs.M[peerprotocol.ExtensionNameMetadata]; ok {
				ps.metadataRequester = metadataext.NewRequester(t.infoHash)
				pe.SendMessage(ps.metadataRequester.FirstRequest(extID))
			}
		}
		return
	}

	switch t.extensionNameFor(msg.ExtendedMessageID) {
	case peerprotocol.ExtensionNameMetadata:
		t.handleMetadataMessage(pe, ps, msg.Body)
	case peerprotocol.ExtensionNamePEX:
		pexMsg, err := peerprotocol.DecodeExtensionPEX(msg.Body)
		if err != nil {
			return
		}
		if added := pex.Discovered(pexMsg); len(added) > 0 {
			t.addrList.Push(added, addrlist.PEX)
			t.emit(Event{Kind: EventPeersDiscovered, Addrs: added})
		}
		if dropped := pex.Dropped(pexMsg); len(dropped) > 0 {
			t.emit(Event{Kind: EventPeersDropped, Addrs: dropped})
		}
	}
}

// extensionNameFor reverses the numbering this engine advertises in
// its own extended handshake (NewExtensionHandshake): incoming
// ut_metadata/ut_pex messages are addressed using the numbers *we*
// assigned, not the remote's.
func (t *Torrent) extensionNameFor(id byte) string {
	switch id {
	case 1:
		return peerprotocol.ExtensionNameMetadata
	case 2:
		return peerprotocol.ExtensionNamePEX
	default:
		return ""
	}
}

func (t *Torrent) handleMetadataMessage(pe *peer.Peer, ps *peerState, body []byte) {
	msg, raw, err := peerprotocol.DecodeExtensionMetadata(body)
	if err != nil {
		return
	}
	extID := byte(1)
	if ps.extMsgIDs != nil {
		extID = ps.extMsgIDs[peerprotocol.ExtensionNameMetadata]
	}
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		if t.metadataResponder == nil {
			return
		}
		pe.SendMessage(t.metadataResponder.Answer(msg.Piece, extID))
	case peerprotocol.ExtensionMetadataMessageTypeData:
		if ps.metadataRequester == nil {
			return
		}
		next, err := ps.metadataRequester.HandleData(msg, raw, extID)
		if err != nil {
			return
		}
		if next != nil {
			pe.SendMessage(*next)
			return
		}
		info, err := ps.metadataRequester.Finish()
		if err != nil {
			t.log.Warningln("metadata verification failed:", err)
			ps.metadataRequester = metadataext.NewRequester(t.infoHash)
			pe.SendMessage(ps.metadataRequester.FirstRequest(extID))
			return
		}
		if err := t.UpdateMetadata(info); err != nil {
			t.log.Errorln("invalid fetched metadata:", err)
			return
		}
		t.beginCheckingFiles()
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		ps.metadataRequester = nil
	}
}

// handlePieceMessage routes one downloaded block to whichever active
// piecedownloader owns its piece index (spec.md §4.2 invariant: at
// most one peer downloads a given piece at a time, so index alone
// disambiguates), off the run loop so a slow downloader can never
// stall message dispatch.
func (t *Torrent) handlePieceMessage(pd peer.Piece) {
	for _, dl := range t.pieceDownloaders {
		if dl.pd.Piece.Index != pd.Index {
			continue
		}
		go func(dl *pieceDownload) {
			select {
			case dl.pd.PieceC <- pd:
			case <-dl.stopC:
			}
		}(dl)
		return
	}
}

// fillRequestPipelines starts a PieceDownloader for any unchoked,
// interested peer without one, and picks that peer's next piece
// (spec.md §4.3 "request pipeline").
func (t *Torrent) fillRequestPipelines() {
	if t.pieces == nil || t.picker == nil {
		return
	}
	for pe := range t.peers {
		if pe.PeerChoking || !pe.AmInterested {
			continue
		}
		if _, busy := t.pieceDownloaders[pe]; busy {
			continue
		}
		pc := t.picker.Pick(pe)
		if pc == nil {
			continue
		}
		t.startPieceDownload(pe, pc)
	}
}

func (t *Torrent) startPieceDownload(pe *peer.Peer, pc *piece.Piece) {
	pd := piecedownloader.New(pc, pe)
	stopC := make(chan struct{})
	t.pieceDownloaders[pe] = &pieceDownload{pd: pd, stopC: stopC}
	go func() {
		pd.Run(stopC)
		select {
		case data := <-pd.DoneC:
			select {
			case t.pieceResultC <- pieceResult{pe: pe, pc: pc, data: data}:
			case <-t.closeC:
			}
		case err := <-pd.ErrC:
			select {
			case t.pieceResultC <- pieceResult{pe: pe, pc: pc, err: err}:
			case <-t.closeC:
			}
		case <-stopC:
		}
	}()
}

func (t *Torrent) handlePieceResult(res pieceResult) {
	dl, ok := t.pieceDownloaders[res.pe]
	if !ok || dl.pd.Piece.Index != res.pc.Index {
		return // superseded by a disconnect/snub already handled
	}
	delete(t.pieceDownloaders, res.pe)
	if t.picker != nil {
		t.picker.HandleCancelDownload(res.pe, res.pc.Index)
	}
	if res.err != nil {
		t.log.Debugln("piece download error:", res.err)
		return
	}
	t.onPieceDownloaded(res.pe, res.pc, res.data)
}

// maxConsecutiveMismatches is how many consecutive hash mismatches a
// peer may produce on the same piece before it's banned.
const maxConsecutiveMismatches = 3

func (t *Torrent) onPieceDownloaded(pe *peer.Peer, pc *piece.Piece, data []byte) {
	src := hashSource{pool: t.pieces}
	ok, err := hashcheck.Verify(src, pc.Index, data)
	if err != nil || !ok {
		t.pieces.ClearCompleted(pc.Index)
		t.log.Warningln("piece hash mismatch, index", pc.Index)
		t.recordMismatch(pe, pc.Index)
		return
	}
	delete(t.mismatchCounts, pe)
	if err := t.writePiece(pc, data); err != nil {
		t.log.Errorln("write piece failed:", err)
		return
	}
	t.pieces.SetCompleted(pc.Index)
	t.cancelDownloadsForPiece(pc.Index, pe)
	for other := range t.peers {
		other.SendMessage(peerprotocol.HaveMessage{Index: pc.Index})
	}
	t.emit(Event{Kind: EventPieceFinished, Index: pc.Index})
	t.checkCompletion()
}

// recordMismatch tracks consecutive hash-verification failures a peer
// produces on the same piece index and bans the peer once it reaches
// maxConsecutiveMismatches (spec.md §4.3/§7: mark the peer banned for
// this torrent for PeerBanDuration after repeated bad data).
func (t *Torrent) recordMismatch(pe *peer.Peer, index uint32) {
	if t.mismatchCounts == nil {
		t.mismatchCounts = make(map[*peer.Peer]map[uint32]int)
	}
	byPiece, ok := t.mismatchCounts[pe]
	if !ok {
		byPiece = make(map[uint32]int)
		t.mismatchCounts[pe] = byPiece
	}
	byPiece[index]++
	if byPiece[index] < maxConsecutiveMismatches {
		return
	}
	t.banPeer(pe, "repeated piece hash mismatch")
}

// banPeer adds pe's address to the blocklist for cfg.PeerBanDuration
// and closes its connection; handleDisconnect does the rest of the
// peer teardown once Conn reports it closed.
func (t *Torrent) banPeer(pe *peer.Peer, reason string) {
	addr := pe.Addr()
	if addr == nil {
		pe.Close()
		return
	}
	ttl := durationOr(t.cfg.PeerBanDuration, 30*time.Minute)
	t.blocklist.BanFor(addr.IP, ttl)
	t.log.Warningln("banning peer", addr.String(), "for", ttl, "reason:", reason)
	pe.Close()
}

// cancelDownloadsForPiece cancels every in-flight piecedownloader for
// index other than except's, used once the piece completes via one
// peer so the others' outstanding block requests are withdrawn
// (spec.md §4.3: send Cancel when a piece completes via another peer).
func (t *Torrent) cancelDownloadsForPiece(index uint32, except *peer.Peer) {
	for other, dl := range t.pieceDownloaders {
		if other == except || dl.pd.Piece.Index != index {
			continue
		}
		dl.pd.CancelPending()
		close(dl.stopC)
		delete(t.pieceDownloaders, other)
		if t.picker != nil {
			t.picker.HandleCancelDownload(other, index)
		}
	}
}

// cancelDownloadsForIndices cancels any in-flight piecedownloader whose
// piece index appears in indices, used when PrioritizePieces drops
// those pieces to PriorityNone.
func (t *Torrent) cancelDownloadsForIndices(indices []uint32) {
	for _, index := range indices {
		t.cancelDownloadsForPiece(index, nil)
	}
}

func (t *Torrent) writePiece(pc *piece.Piece, data []byte) error {
	remaining := data
	offset := pc.Offset
	touched := make(map[string]struct{})
	for len(remaining) > 0 {
		fi := t.files.FileIndexAtOffset(offset)
		if fi == -1 {
			break
		}
		f := t.files.Get(fi)
		within := offset - f.TorrentOffset
		n := f.Length - within
		if n > int64(len(remaining)) {
			n = int64(len(remaining))
		}
		if !f.IsPadding() {
			if err := t.storage.Write(f.TorrentPath, within, remaining[:n]); err != nil {
				return err
			}
			touched[f.TorrentPath] = struct{}{}
		}
		offset += n
		remaining = remaining[n:]
	}
	for path := range touched {
		if err := t.storage.Sync(path); err != nil {
			return err
		}
	}
	return nil
}

func (t *Torrent) checkCompletion() {
	if t.pieces == nil || !t.pieces.IsCompleted(false) {
		return
	}
	t.mu.RLock()
	already := t.state == Completed || t.state == Seeding
	t.mu.RUnlock()
	if already {
		return
	}
	t.onCompleted()
}
