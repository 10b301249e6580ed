package chainsync

import (
	"bytes"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/security"
	"github.com/cellmesh/cellmesh/pkg/transport"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// Status is the freshness of a peer's (or our own) place in the chain,
// as derived from request_tracker activity and height comparisons.
type Status int

const (
	StatusUnknown Status = iota
	StatusDownloading
	StatusSynchronized
)

// ChainReader is the slice of pkg/chain.Store the synchronizer needs.
type ChainReader interface {
	LastBlock() (*types.Block, error)
	BlocksIter(fromOffset uint64) ([]*types.Block, error)
	NextOffset() uint64
}

// NodeSyncInfo is per-peer chain synchronization state.
type NodeSyncInfo struct {
	Status          Status
	LastKnownBlock  *types.BlockHeader
	LastCommonBlock *types.BlockHeader
	Tracker         *RequestTracker
}

// Config bounds request pacing, block transfer size, and leeway.
type Config struct {
	BlocksMaxSendSize        int
	ResponseFailureThreshold int
	MinRequestInterval       time.Duration
	MeaningfulCommitLeeway   uint64
}

// ErrDiverged is returned when a peer's sampled headers share no block
// in common with ours, down to genesis.
type ErrDiverged struct {
	PeerNodeID string
}

func (e *ErrDiverged) Error() string {
	return fmt.Sprintf("chain diverged from peer %q", e.PeerNodeID)
}

// Synchronizer runs the §4.6 chain synchronizer for one node against
// its configured set of peers.
type Synchronizer struct {
	mu     sync.Mutex
	cfg    Config
	nodeID string
	chain  ChainReader
	peers  map[string]*NodeSyncInfo
}

// New builds a Synchronizer with no peers registered.
func New(cfg Config, nodeID string, chainReader ChainReader) *Synchronizer {
	return &Synchronizer{cfg: cfg, nodeID: nodeID, chain: chainReader, peers: make(map[string]*NodeSyncInfo)}
}

// AddPeer registers a peer to synchronize against, if not already known.
func (s *Synchronizer) AddPeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.peers[peerID]; ok {
		return
	}
	s.peers[peerID] = &NodeSyncInfo{
		Status:  StatusUnknown,
		Tracker: NewRequestTracker(s.cfg.MinRequestInterval, s.cfg.ResponseFailureThreshold),
	}
}

// RemovePeer drops a peer from tracking.
func (s *Synchronizer) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, peerID)
}

// PeerInfo returns a copy of the tracked state for a peer.
func (s *Synchronizer) PeerInfo(peerID string) (NodeSyncInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.peers[peerID]
	if !ok {
		return NodeSyncInfo{}, false
	}
	return *info, true
}

// BuildRequest builds a ChainSyncRequest for peerID if its request
// tracker currently permits sending, sampling our own chain's headers
// dense near the tip and sparser toward genesis.
func (s *Synchronizer) BuildRequest(peerID string, now time.Time) (*transport.ChainSyncRequest, bool, error) {
	s.mu.Lock()
	info, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return nil, false, fmt.Errorf("unknown peer %q", peerID)
	}
	if !info.Tracker.CanSend(now) {
		return nil, false, nil
	}

	blocks, err := s.chain.BlocksIter(0)
	if err != nil {
		return nil, false, err
	}
	sample := sampleHeaders(blocks)

	info.Tracker.MarkSent(now)
	return &transport.ChainSyncRequest{
		FromOffset: 0,
		ToOffset:   s.chain.NextOffset(),
		Headers:    sample,
	}, true, nil
}

// HandleRequest answers an incoming ChainSyncRequest with our own
// sampled headers and, if we are ahead of the requester, the first
// range of blocks beyond the last common block.
func (s *Synchronizer) HandleRequest(req *transport.ChainSyncRequest) (*transport.ChainSyncResponse, error) {
	blocks, err := s.chain.BlocksIter(0)
	if err != nil {
		return nil, err
	}
	localSample := sampleHeaders(blocks)

	resp := &transport.ChainSyncResponse{Headers: localSample}

	common, diverged, err := findCommon(localSample, req.Headers)
	if err != nil {
		return nil, err
	}
	if diverged || common == nil {
		return resp, nil
	}

	var ahead []*types.Block
	for _, b := range blocks {
		if b.Header.Offset > common.Offset {
			ahead = append(ahead, b)
		}
	}
	if len(ahead) == 0 {
		return resp, nil
	}
	max := s.cfg.BlocksMaxSendSize
	if max <= 0 || max > len(ahead) {
		max = len(ahead)
	}
	if max == 0 {
		max = 1
	}
	resp.Blocks = ahead[:max]
	return resp, nil
}

// HandleResponse updates peer sync state from a response, and, if the
// peer is our current leader and the response carries blocks, applies
// them in order via applyBlock (expected to be chain.Store.WriteBlock
// or equivalent), stopping at the first one that does not extend our
// tip exactly.
func (s *Synchronizer) HandleResponse(peerID string, resp *transport.ChainSyncResponse, isLeader bool, applyBlock func(*types.Block) error) error {
	s.mu.Lock()
	info, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown peer %q", peerID)
	}

	local, err := s.chain.BlocksIter(0)
	if err != nil {
		info.Tracker.MarkResponse(false)
		return err
	}
	localSample := sampleHeaders(local)

	common, diverged, err := findCommon(localSample, resp.Headers)
	if err != nil {
		info.Tracker.MarkResponse(false)
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if diverged {
		info.Tracker.MarkResponse(false)
		info.Status = StatusUnknown
		return &ErrDiverged{PeerNodeID: peerID}
	}
	info.LastCommonBlock = common
	if h := highestHeader(resp.Headers); h != nil {
		info.LastKnownBlock = h
	}

	becameUnknown := info.Tracker.MarkResponse(true)
	if becameUnknown {
		info.Status = StatusUnknown
		return nil
	}

	if isLeader && len(resp.Blocks) > 0 {
		next := s.chain.NextOffset()
		for _, b := range resp.Blocks {
			if b.Header.Offset != next {
				break
			}
			if err := applyBlock(b); err != nil {
				return fmt.Errorf("apply synced block at offset %d: %w", b.Header.Offset, err)
			}
			next = types.NextOffset(chain.HeaderFrameSize(&b.Header), &b.Header)
		}
	}

	ourHeight := s.ourHeightLocked()
	switch {
	case info.LastKnownBlock == nil:
		info.Status = StatusUnknown
	case info.LastKnownBlock.Height <= ourHeight:
		info.Status = StatusSynchronized
	default:
		info.Status = StatusDownloading
	}
	return nil
}

// SelectLeader implements §4.6's leader-selection rule: the peer whose
// last known height is strictly greater than ours and highest among
// all synchronized peers, ties broken by node id; we are our own
// leader iff no synchronized peer's height exceeds ours.
func (s *Synchronizer) SelectLeader() (leaderNodeID string, isSelf bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectLeaderLocked()
}

func (s *Synchronizer) selectLeaderLocked() (string, bool) {
	ourHeight := s.ourHeightLocked()
	leaderID := s.nodeID
	leaderHeight := ourHeight

	var ids []string
	for id := range s.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		info := s.peers[id]
		if info.Status != StatusSynchronized || info.LastKnownBlock == nil {
			continue
		}
		h := info.LastKnownBlock.Height
		if h <= ourHeight {
			continue
		}
		if h > leaderHeight || (h == leaderHeight && id < leaderID) {
			leaderHeight = h
			leaderID = id
		}
	}
	return leaderID, leaderID == s.nodeID
}

// OurStatus derives this node's own synchronization status per §4.6's
// status-derivation rule.
func (s *Synchronizer) OurStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	synchronizedCount := 0
	for _, info := range s.peers {
		if info.Status == StatusSynchronized {
			synchronizedCount++
		}
	}
	if !security.HasQuorum(synchronizedCount+1, len(s.peers)+1) {
		return StatusUnknown
	}

	leaderID, isSelf := s.selectLeaderLocked()
	if isSelf {
		return StatusSynchronized
	}
	leaderInfo, ok := s.peers[leaderID]
	if !ok || leaderInfo.LastKnownBlock == nil {
		return StatusUnknown
	}
	ourHeight := s.ourHeightLocked()
	if leaderInfo.LastKnownBlock.Height > ourHeight+s.cfg.MeaningfulCommitLeeway {
		return StatusDownloading
	}
	if ourHeight >= leaderInfo.LastKnownBlock.Height {
		return StatusSynchronized
	}
	return StatusDownloading
}

// SynchronizedPeerCount reports how many peers currently carry
// StatusSynchronized, for pkg/metrics.SyncSource.
func (s *Synchronizer) SynchronizedPeerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, info := range s.peers {
		if info.Status == StatusSynchronized {
			n++
		}
	}
	return n
}

// IsLeader reports whether this node is currently its own leader, for
// pkg/metrics.SyncSource.
func (s *Synchronizer) IsLeader() bool {
	_, isSelf := s.SelectLeader()
	return isSelf
}

func (s *Synchronizer) ourHeightLocked() uint64 {
	last, err := s.chain.LastBlock()
	if err != nil || last == nil {
		return 0
	}
	return last.Header.Height
}

func highestHeader(headers []types.BlockHeader) *types.BlockHeader {
	var best *types.BlockHeader
	for i := range headers {
		if best == nil || headers[i].Height > best.Height {
			h := headers[i]
			best = &h
		}
	}
	return best
}

// sampleHeaders picks a dense-near-tip, sparse-near-genesis subset of
// block headers: the tip, then geometrically doubling steps backward,
// always including genesis.
func sampleHeaders(blocks []*types.Block) []types.BlockHeader {
	if len(blocks) == 0 {
		return nil
	}
	tipIdx := len(blocks) - 1
	indices := map[int]bool{tipIdx: true, 0: true}
	step, i := 1, tipIdx
	for i > 0 {
		if step > i {
			i = 0
		} else {
			i -= step
		}
		indices[i] = true
		step *= 2
	}

	idxList := make([]int, 0, len(indices))
	for idx := range indices {
		idxList = append(idxList, idx)
	}
	sort.Ints(idxList)

	out := make([]types.BlockHeader, 0, len(idxList))
	for _, idx := range idxList {
		out = append(out, blocks[idx].Header)
	}
	return out
}

// findCommon looks for the highest-offset header present, with a
// matching header-frame hash, in both sampled sets. If the remote
// sample includes genesis (offset 0) and no match was found at all,
// the chains are considered diverged.
func findCommon(localSample, remoteSample []types.BlockHeader) (common *types.BlockHeader, diverged bool, err error) {
	if len(localSample) == 0 {
		// We have no chain yet: nothing to compare, and certainly not a
		// proven divergence.
		return nil, false, nil
	}
	localByOffset := make(map[uint64]types.BlockHeader, len(localSample))
	for _, h := range localSample {
		localByOffset[h.Offset] = h
	}

	sawRemoteGenesis := false
	var best *types.BlockHeader
	for _, rh := range remoteSample {
		if rh.Offset == 0 {
			sawRemoteGenesis = true
		}
		lh, ok := localByOffset[rh.Offset]
		if !ok {
			continue
		}
		lhHash, err := chain.HashHeaderFrame(&lh)
		if err != nil {
			return nil, false, err
		}
		rhHash, err := chain.HashHeaderFrame(&rh)
		if err != nil {
			return nil, false, err
		}
		if !bytes.Equal(lhHash, rhHash) {
			continue
		}
		if best == nil || rh.Offset > best.Offset {
			h := rh
			best = &h
		}
	}
	if best == nil && sawRemoteGenesis {
		return nil, true, nil
	}
	return best, false, nil
}
