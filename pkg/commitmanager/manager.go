package commitmanager

import (
	"fmt"
	"sort"
	"time"

	"github.com/cellmesh/cellmesh/pkg/chain"
	"github.com/cellmesh/cellmesh/pkg/hlc"
	"github.com/cellmesh/cellmesh/pkg/pending"
	"github.com/cellmesh/cellmesh/pkg/security"
	"github.com/cellmesh/cellmesh/pkg/types"
)

// Config bounds proposer timing, block size, and cleanup lag.
type Config struct {
	CommitMaximumInterval            time.Duration
	CommitMaximumPendingStoreCount   int
	BlockProposalTimeout             time.Duration
	OperationsCleanupAfterBlockDepth uint64
}

// groupClass is the §4.8 classification of a pending block_proposal
// group.
type groupClass int

const (
	classNextPotential groupClass = iota
	classNextExpired
	classPastCommitted
	classPastRefused
)

// Manager runs the commit loop: proposer rotation, proposal
// construction, signature/refusal voting, quorum commit, and pending
// cleanup. One Manager instance owns exactly one node's commit state.
type Manager struct {
	cfg        Config
	nodeID     string
	chainNodes []string // sorted, only nodes with the Chain role

	chain    *chain.Store
	pending  *pending.Store
	clock    *hlc.Clock
	keypair  *security.KeyPair
	verifier security.Verifier

	signedHeights   map[uint64]uint64 // height -> group id I've signed
	respondedGroups map[uint64]bool   // group ids I've already voted on
	lastCleanupOffset uint64
	lastCleanupHeight uint64
}

// New builds a Manager. chainNodes need not be pre-sorted.
func New(cfg Config, nodeID string, chainNodes []string, store *chain.Store, pendingStore *pending.Store, clock *hlc.Clock, kp *security.KeyPair, verifier security.Verifier) *Manager {
	sorted := append([]string(nil), chainNodes...)
	sort.Strings(sorted)
	return &Manager{
		cfg:             cfg,
		nodeID:          nodeID,
		chainNodes:      sorted,
		chain:           store,
		pending:         pendingStore,
		clock:           clock,
		keypair:         kp,
		verifier:        verifier,
		signedHeights:   make(map[uint64]uint64),
		respondedGroups: make(map[uint64]bool),
	}
}

// TickResult is what one commit-manager tick produced.
type TickResult struct {
	EmittedOperations []*types.Operation
	CommittedBlock    *types.Block
}

// IsProposer reports whether this node is the deterministic proposer
// for the commit-interval slot now falls in.
func (m *Manager) IsProposer(now time.Time) bool {
	if len(m.chainNodes) == 0 {
		return false
	}
	interval := m.cfg.CommitMaximumInterval.Milliseconds()
	if interval <= 0 {
		interval = 1
	}
	idx := (now.UnixMilli() / interval) % int64(len(m.chainNodes))
	return m.chainNodes[idx] == m.nodeID
}

// Tick runs one iteration of the commit loop. It is a no-op (but not
// an error) if this node has no Chain role (chainNodes does not
// contain nodeID).
func (m *Manager) Tick(now time.Time) (TickResult, error) {
	if !m.hasChainRole() {
		return TickResult{}, nil
	}

	var result TickResult

	groups := m.collectGroups()

	if m.IsProposer(now) && m.shouldPropose(now, groups) {
		op, err := m.buildProposal(now)
		if err != nil {
			return result, fmt.Errorf("build proposal: %w", err)
		}
		if op != nil {
			result.EmittedOperations = append(result.EmittedOperations, op)
			// Deliberately not folded into groups: the spec's two-phase
			// flow (propose this tick, vote next tick) requires a fresh
			// proposal to sit in the pending store untouched until the
			// next Tick's own collectGroups scan picks it up.
		}
	}

	for gid, ops := range groups {
		if m.classify(now, gid, ops) != classNextPotential {
			continue
		}
		if m.respondedGroups[gid] {
			continue
		}
		vote, err := m.voteOn(ops)
		if err != nil {
			return result, fmt.Errorf("vote on group %d: %w", gid, err)
		}
		if vote != nil {
			result.EmittedOperations = append(result.EmittedOperations, vote)
			m.respondedGroups[gid] = true
		}
	}

	// re-collect: voting above may have added signature/refusal ops to pending.
	groups = m.collectGroups()
	block, err := m.selectAndCommit(now, groups)
	if err != nil {
		return result, fmt.Errorf("select and commit: %w", err)
	}
	result.CommittedBlock = block

	if block != nil {
		m.cleanupPending(block)
	}
	return result, nil
}

// CleanupWatermark returns the height of the highest block whose
// pending cleanup has already run, for pkg/pendingsync's
// EffectiveFromHeight.
func (m *Manager) CleanupWatermark() uint64 {
	return m.lastCleanupHeight
}

func (m *Manager) hasChainRole() bool {
	for _, id := range m.chainNodes {
		if id == m.nodeID {
			return true
		}
	}
	return false
}

// collectGroups buckets every pending operation id that is either a
// block_proposal, or references one via GroupID, by group id.
func (m *Manager) collectGroups() map[uint64][]*types.Operation {
	groups := make(map[uint64][]*types.Operation)
	for _, gid := range m.pending.GroupIDs() {
		ops := m.pending.Group(gid)
		for _, op := range ops {
			if op.Type == types.OperationBlockProposal || op.Type == types.OperationBlockSignature || op.Type == types.OperationBlockRefusal {
				groups[gid] = ops
				break
			}
		}
	}
	return groups
}

// verifyOp checks a signed operation against its claimed signer's
// known public key. Operations that fail verification are treated as
// if they were never cast, so a spoofed signer id cannot count toward
// quorum.
func (m *Manager) verifyOp(op *types.Operation) bool {
	return security.Verify(m.verifier, op.NodeID, op.FrameBytes(), op.Signature) == nil
}

func proposalOf(ops []*types.Operation) *types.Operation {
	for _, op := range ops {
		if op.Type == types.OperationBlockProposal {
			return op
		}
	}
	return nil
}

func (m *Manager) classify(now time.Time, groupID uint64, ops []*types.Operation) groupClass {
	proposal := proposalOf(ops)
	if proposal == nil {
		return classNextPotential
	}
	if status, ok := m.pending.CommitStatus(proposal.OperationID); ok && status.Kind == types.CommitCommitted {
		return classPastCommitted
	}

	distinctRefusers := make(map[string]bool)
	for _, op := range ops {
		if op.Type == types.OperationBlockRefusal && m.verifyOp(op) {
			distinctRefusers[op.NodeID] = true
		}
	}
	if security.HasQuorum(len(distinctRefusers), len(m.chainNodes)) {
		return classPastRefused
	}

	if now.Sub(hlc.WallTime(proposal.OperationID)) > m.cfg.BlockProposalTimeout {
		return classNextExpired
	}
	return classNextPotential
}

func (m *Manager) shouldPropose(now time.Time, groups map[uint64][]*types.Operation) bool {
	last, err := m.chain.LastBlock()
	if err == nil && last == nil {
		return true
	}
	if err == nil && last != nil {
		if now.Sub(hlc.WallTime(last.Header.ProposedOperationID)) >= m.cfg.CommitMaximumInterval {
			return true
		}
	}
	pendingCount := 0
	for _, ops := range groups {
		pendingCount += len(ops)
	}
	return m.cfg.CommitMaximumPendingStoreCount > 0 && pendingCount > m.cfg.CommitMaximumPendingStoreCount
}

// buildProposal wraps every currently uncommitted entry operation not
// already carried by a live (NextPotential) proposal into a new
// block_proposal operation and inserts it into the pending store.
func (m *Manager) buildProposal(now time.Time) (*types.Operation, error) {
	proposed := make(map[uint64]bool)
	for gid, ops := range m.collectGroups() {
		if p := proposalOf(ops); p != nil && m.classify(now, gid, ops) == classNextPotential {
			for _, oh := range p.BlockProposal.Header.OperationHeaders {
				proposed[oh.OperationID] = true
			}
		}
	}

	var entryOps []*types.Operation
	for _, op := range m.pending.Iter(0, 0) {
		if op.Type != types.OperationEntry || proposed[op.OperationID] {
			continue
		}
		if status, ok := m.pending.CommitStatus(op.OperationID); ok && status.Kind == types.CommitCommitted {
			continue
		}
		entryOps = append(entryOps, op)
	}
	if len(entryOps) == 0 {
		return nil, nil
	}
	sort.Slice(entryOps, func(i, j int) bool { return entryOps[i].OperationID < entryOps[j].OperationID })

	var prevHeader *types.BlockHeader
	if last, err := m.chain.LastBlock(); err == nil && last != nil {
		prevHeader = &last.Header
	}

	proposalID := m.clock.ConsistentTime()
	header, err := chain.BuildHeader(prevHeader, entryOps, proposalID, m.nodeID, signaturesFrameBudget(len(m.chainNodes)))
	if err != nil {
		return nil, err
	}
	header.Offset = m.chain.NextOffset()

	op := &types.Operation{
		OperationID:   proposalID,
		GroupID:       proposalID,
		NodeID:        m.nodeID,
		Type:          types.OperationBlockProposal,
		BlockProposal: &types.BlockProposalPayload{Header: header},
	}
	op.Signature = security.Sign(m.keypair.Private, op.FrameBytes())
	m.pending.Put(op)
	return op, nil
}

// voteOn validates the group's proposal and returns the signature or
// refusal operation this node casts for it.
func (m *Manager) voteOn(ops []*types.Operation) (*types.Operation, error) {
	proposal := proposalOf(ops)
	if proposal == nil {
		return nil, nil
	}
	header := proposal.BlockProposal.Header

	if !m.verifyOp(proposal) {
		return m.refuse(proposal, "proposal signature does not verify")
	}

	if gid, already := m.signedHeights[header.Height]; already && gid != proposal.GroupID {
		return m.refuse(proposal, "already signed another proposal at this height")
	}

	if err := m.validateProposal(&header); err != nil {
		return m.refuse(proposal, err.Error())
	}
	for _, oh := range header.OperationHeaders {
		if _, ok := m.pending.Get(oh.OperationID); !ok {
			return m.refuse(proposal, fmt.Sprintf("missing referenced operation %d", oh.OperationID))
		}
	}

	headerHash, err := chain.HashHeaderFrame(&header)
	if err != nil {
		return nil, err
	}

	sigOpID := m.clock.ConsistentTime()
	sigOp := &types.Operation{
		OperationID:    sigOpID,
		GroupID:        proposal.GroupID,
		NodeID:         m.nodeID,
		Type:           types.OperationBlockSignature,
		BlockSignature: &types.BlockSignaturePayload{ProposedOperationID: proposal.OperationID, HeaderHash: headerHash},
	}
	sigOp.Signature = security.Sign(m.keypair.Private, sigOp.FrameBytes())
	m.pending.Put(sigOp)
	m.signedHeights[header.Height] = proposal.GroupID
	return sigOp, nil
}

func (m *Manager) refuse(proposal *types.Operation, reason string) (*types.Operation, error) {
	refOpID := m.clock.ConsistentTime()
	refOp := &types.Operation{
		OperationID:  refOpID,
		GroupID:      proposal.GroupID,
		NodeID:       m.nodeID,
		Type:         types.OperationBlockRefusal,
		BlockRefusal: &types.BlockRefusalPayload{ProposedOperationID: proposal.OperationID, Reason: reason},
	}
	refOp.Signature = security.Sign(m.keypair.Private, refOp.FrameBytes())
	m.pending.Put(refOp)
	return refOp, nil
}

func (m *Manager) validateProposal(header *types.BlockHeader) error {
	last, err := m.chain.LastBlock()
	if err != nil {
		return err
	}
	if last == nil {
		if header.Height != 0 || header.PreviousOffset != 0 {
			return fmt.Errorf("genesis proposal must have height 0")
		}
		return nil
	}
	if header.PreviousOffset != last.Header.Offset || header.Height != last.Header.Height+1 {
		return fmt.Errorf("proposal does not extend current tip")
	}
	prevHash, err := chain.HashHeaderFrame(&last.Header)
	if err != nil {
		return err
	}
	if string(header.PreviousHash) != string(prevHash) {
		return fmt.Errorf("proposal previous_hash does not match current tip")
	}
	return nil
}

// selectAndCommit picks the best quorum-reaching NextPotential
// proposal (mine first, then most signatures, then lowest group id)
// and appends it to the chain.
func (m *Manager) selectAndCommit(now time.Time, groups map[uint64][]*types.Operation) (*types.Block, error) {
	type candidate struct {
		gid      uint64
		proposal *types.Operation
		signers  map[string]bool
		ops      []*types.Operation
	}

	var candidates []candidate
	for gid, ops := range groups {
		if m.classify(now, gid, ops) != classNextPotential {
			continue
		}
		proposal := proposalOf(ops)
		if proposal == nil {
			continue
		}
		signers := make(map[string]bool)
		for _, op := range ops {
			if op.Type == types.OperationBlockSignature && m.verifyOp(op) {
				signers[op.NodeID] = true
			}
		}
		if !security.HasQuorum(len(signers), len(m.chainNodes)) {
			continue
		}
		candidates = append(candidates, candidate{gid: gid, proposal: proposal, signers: signers, ops: ops})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		iMine, jMine := candidates[i].signers[m.nodeID], candidates[j].signers[m.nodeID]
		if iMine != jMine {
			return iMine
		}
		if len(candidates[i].signers) != len(candidates[j].signers) {
			return len(candidates[i].signers) > len(candidates[j].signers)
		}
		return candidates[i].gid < candidates[j].gid
	})
	winner := candidates[0]

	header := winner.proposal.BlockProposal.Header
	var blockOps []*types.Operation
	for _, oh := range header.OperationHeaders {
		op, ok := m.pending.Get(oh.OperationID)
		if !ok {
			return nil, fmt.Errorf("winning proposal references missing operation %d", oh.OperationID)
		}
		blockOps = append(blockOps, op)
	}
	var sigs []types.SignatureEntry
	for _, op := range winner.ops {
		if op.Type == types.OperationBlockSignature {
			sigs = append(sigs, types.SignatureEntry{NodeID: op.NodeID, Signature: op.Signature})
		}
	}

	block := &types.Block{Header: header, Operations: blockOps, Signatures: sigs}
	if _, err := m.chain.WriteBlock(block); err != nil {
		return nil, err
	}

	status := types.CommitStatus{Kind: types.CommitCommitted, BlockOffset: header.Offset, BlockHeight: header.Height}
	m.pending.UpdateCommitStatus(winner.proposal.OperationID, status)
	for _, op := range blockOps {
		m.pending.UpdateCommitStatus(op.OperationID, status)
	}
	return block, nil
}

// cleanupPending deletes fully committed groups, and the entry
// operations their winning proposal committed, once their depth
// clears the configured lag. Refused groups are left alone so refused
// operations never resurface as committable.
func (m *Manager) cleanupPending(committed *types.Block) {
	tipHeight := committed.Header.Height
	depth := func(h uint64) uint64 {
		if tipHeight < h {
			return 0
		}
		return tipHeight - h
	}

	groups := m.collectGroups()
	highestOffset, highestHeight := m.lastCleanupOffset, m.lastCleanupHeight
	for gid, ops := range groups {
		proposal := proposalOf(ops)
		if proposal == nil {
			continue
		}
		status, ok := m.pending.CommitStatus(proposal.OperationID)
		if !ok || status.Kind != types.CommitCommitted {
			continue
		}
		if depth(status.BlockHeight) < m.cfg.OperationsCleanupAfterBlockDepth {
			continue
		}
		for _, op := range ops {
			m.pending.Delete(op.OperationID)
		}
		for _, oh := range proposal.BlockProposal.Header.OperationHeaders {
			m.pending.Delete(oh.OperationID)
		}
		delete(m.signedHeights, status.BlockHeight)
		delete(m.respondedGroups, gid)
		if status.BlockOffset > highestOffset {
			highestOffset, highestHeight = status.BlockOffset, status.BlockHeight
		}
	}
	m.lastCleanupOffset, m.lastCleanupHeight = highestOffset, highestHeight
}

func signaturesFrameBudget(nodeCount int) uint64 {
	const perSignature = 4 + 32 + 4 + 64 // node id length-prefix budget + signature
	return uint64(4 + nodeCount*perSignature)
}
