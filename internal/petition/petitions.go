package petition

import (
	"fmt"
	"slices"
	"sync"

	"github.com/mbd888/keyshield/internal/factors"
	"github.com/mbd888/keyshield/internal/intents"
)

// SessionStatus summarizes a whole signing session.
type SessionStatus string

const (
	// InProgress means no transaction has failed and some are undecided.
	InProgress SessionStatus = "in_progress"
	// AllValid means every transaction is satisfied.
	AllValid SessionStatus = "all_valid"
	// SomeInvalid means at least one transaction can no longer succeed.
	SomeInvalid SessionStatus = "some_invalid"
)

// TransactionInput is one transaction a factor source is asked to sign,
// with the keys to sign it with.
type TransactionInput struct {
	Intent         intents.TransactionIntent     `json:"intent"`
	OwnedInstances []factors.OwnedFactorInstance `json:"ownedInstances"`
}

// FactorInput is everything the host needs to ask one factor source for
// signatures.
type FactorInput struct {
	FactorSourceID factors.FactorSourceID `json:"factorSourceId"`
	Transactions   []TransactionInput     `json:"transactions"`
	// InvalidTransactionsIfNeglected lists the transactions that would
	// fail if this factor source were skipped.
	InvalidTransactionsIfNeglected []intents.Hash `json:"invalidTransactionsIfNeglected"`
}

// FactorOutcome is a host's answer for one factor source: either its
// signatures or the reason it did not sign.
type FactorOutcome struct {
	FactorSourceID factors.FactorSourceID `json:"factorSourceId"`
	Signatures     []intents.HDSignature  `json:"signatures,omitempty"`
	Neglected      NeglectReason          `json:"neglected,omitempty"`
}

// Signed returns a successful outcome.
func Signed(id factors.FactorSourceID, sigs ...intents.HDSignature) FactorOutcome {
	return FactorOutcome{FactorSourceID: id, Signatures: sigs}
}

// Skipped returns an outcome neglecting the factor source.
func Skipped(id factors.FactorSourceID, reason NeglectReason) FactorOutcome {
	return FactorOutcome{FactorSourceID: id, Neglected: reason}
}

// NeglectedFactor is a factor source that did not sign, and why.
type NeglectedFactor struct {
	FactorSourceID factors.FactorSourceID `json:"factorSourceId"`
	Reason         NeglectReason          `json:"reason"`
}

// Petitions is the bookkeeping of one signing session across a batch of
// transactions. It is created once from a snapshot of required signers
// and consumed by Outcome.
//
// Petitions is safe for concurrent readers, but callers must serialize
// writes (ProcessBatchResponse, NeglectFactorSources, Outcome).
type Petitions struct {
	mu sync.RWMutex

	order        []intents.Hash
	transactions map[intents.Hash]*TransactionPetitions
	// factor source -> transactions it appears in
	factorToTxs map[factors.FactorSourceID][]intents.Hash
	neglected   []NeglectedFactor
	consumed    bool
}

// New creates a session from the requests. Transactions must be unique
// and every signer must have at least one factor.
func New(requests []Request) (*Petitions, error) {
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: no transactions", ErrInvalidRequest)
	}
	p := &Petitions{
		transactions: make(map[intents.Hash]*TransactionPetitions, len(requests)),
		factorToTxs:  make(map[factors.FactorSourceID][]intents.Hash),
	}
	for _, r := range requests {
		hash := r.Intent.Hash()
		if _, dup := p.transactions[hash]; dup {
			return nil, fmt.Errorf("%w: transaction %s listed twice", ErrInvalidRequest, hash.Short())
		}
		if err := r.validate(); err != nil {
			return nil, err
		}
		tp := newTransactionPetitions(r)
		p.transactions[hash] = tp
		p.order = append(p.order, hash)
		for _, pet := range tp.petitions {
			for _, id := range pet.FactorSourceIDs() {
				if !slices.Contains(p.factorToTxs[id], hash) {
					p.factorToTxs[id] = append(p.factorToTxs[id], hash)
				}
			}
		}
	}
	return p, nil
}

func (p *Petitions) mustNotBeConsumed() {
	if p.consumed {
		panic("programmer error: signing session already consumed by Outcome")
	}
}

func (p *Petitions) transaction(hash intents.Hash) *TransactionPetitions {
	tp, ok := p.transactions[hash]
	if !ok {
		panic(fmt.Sprintf("programmer error: no petitions for transaction %s", hash.Short()))
	}
	return tp
}

// Transactions returns the transaction hashes in request order.
func (p *Petitions) Transactions() []intents.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.order)
}

// TransactionStatus returns the state of one transaction. Asking about a
// transaction that is not part of the session panics.
func (p *Petitions) TransactionStatus(hash intents.Hash) Status {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transaction(hash).Status()
}

// Status summarizes the session. It never mutates.
func (p *Petitions) Status() SessionStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.statusLocked()
}

func (p *Petitions) statusLocked() SessionStatus {
	all := true
	for _, hash := range p.order {
		switch p.transactions[hash].Status() {
		case Neglected:
			return SomeInvalid
		case Satisfied:
		default:
			all = false
		}
	}
	if all {
		return AllValid
	}
	return InProgress
}

// Decided reports whether every transaction is satisfied or failed.
func (p *Petitions) Decided() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, hash := range p.order {
		if !p.transactions[hash].Status().Decided() {
			return false
		}
	}
	return true
}

// FactorSourceIDs lists every factor source referenced by the session.
func (p *Petitions) FactorSourceIDs() []factors.FactorSourceID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]factors.FactorSourceID, 0, len(p.factorToTxs))
	for id := range p.factorToTxs {
		out = append(out, id)
	}
	slices.SortFunc(out, factors.FactorSourceID.Compare)
	return out
}

// PendingFactorSources lists, in signing order, the factor sources whose
// signature could still change some transaction's outcome.
func (p *Petitions) PendingFactorSources() []factors.FactorSourceID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pendingLocked()
}

func (p *Petitions) pendingLocked() []factors.FactorSourceID {
	var out []factors.FactorSourceID
	for id := range p.factorToTxs {
		if p.needsLocked(id) {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, factors.FactorSourceID.Compare)
	return out
}

func (p *Petitions) needsLocked(id factors.FactorSourceID) bool {
	for _, hash := range p.factorToTxs[id] {
		if p.transactions[hash].NeedsSignatureFrom(id) {
			return true
		}
	}
	return false
}

// PendingOfKind lists pending factor sources of one kind.
func (p *Petitions) PendingOfKind(kind factors.Kind) []factors.FactorSourceID {
	var out []factors.FactorSourceID
	for _, id := range p.PendingFactorSources() {
		if id.Kind == kind {
			out = append(out, id)
		}
	}
	return out
}

// InputForInteractor builds the request for one factor source. Only
// transactions that still need it are included.
func (p *Petitions) InputForInteractor(id factors.FactorSourceID) FactorInput {
	p.mu.RLock()
	defer p.mu.RUnlock()

	in := FactorInput{
		FactorSourceID:                 id,
		Transactions:                   []TransactionInput{},
		InvalidTransactionsIfNeglected: []intents.Hash{},
	}
	for _, hash := range p.factorToTxs[id] {
		tp := p.transactions[hash]
		if !tp.NeedsSignatureFrom(id) {
			continue
		}
		in.Transactions = append(in.Transactions, TransactionInput{
			Intent:         tp.Intent(),
			OwnedInstances: tp.ownedInstancesFor(id),
		})
		if tp.InvalidIfNeglected([]factors.FactorSourceID{id}) {
			in.InvalidTransactionsIfNeglected = append(in.InvalidTransactionsIfNeglected, hash)
		}
	}
	return in
}

// InvalidTransactionsIfNeglected lists the undecided transactions that
// would fail if all the candidates were skipped. It never mutates.
func (p *Petitions) InvalidTransactionsIfNeglected(candidates []factors.FactorSourceID) []intents.Hash {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := []intents.Hash{}
	for _, hash := range p.order {
		tp := p.transactions[hash]
		if tp.Status().Decided() {
			continue
		}
		if tp.InvalidIfNeglected(candidates) {
			out = append(out, hash)
		}
	}
	return out
}

// ProcessBatchResponse records one round of host answers. The whole
// batch is validated first; on any error nothing is recorded. A factor
// source that signed some but not all of what it was asked keeps its
// signatures and is neglected as Unreachable for the rest of the session.
func (p *Petitions) ProcessBatchResponse(outcomes []FactorOutcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustNotBeConsumed()

	if err := p.checkBatchLocked(outcomes); err != nil {
		return err
	}

	for _, o := range outcomes {
		if o.Neglected != "" {
			p.neglectLocked(o.FactorSourceID, o.Neglected)
			continue
		}
		asked := p.askedLocked(o.FactorSourceID)
		for _, sig := range o.Signatures {
			if err := p.transactions[sig.IntentHash].AddSignature(sig); err != nil {
				panic(fmt.Sprintf("programmer error: checked signature rejected: %v", err))
			}
		}
		for _, hash := range asked {
			if p.transactions[hash].NeedsSignatureFrom(o.FactorSourceID) {
				p.neglectLocked(o.FactorSourceID, Unreachable)
				break
			}
		}
	}
	return nil
}

// askedLocked returns the transactions that needed the factor source at
// the start of processing its outcome.
func (p *Petitions) askedLocked(id factors.FactorSourceID) []intents.Hash {
	var out []intents.Hash
	for _, hash := range p.factorToTxs[id] {
		if p.transactions[hash].NeedsSignatureFrom(id) {
			out = append(out, hash)
		}
	}
	return out
}

func (p *Petitions) checkBatchLocked(outcomes []FactorOutcome) error {
	type sigKey struct {
		hash   intents.Hash
		owner  factors.EntityAddress
		factor factors.FactorSourceID
	}
	seenFactors := make(map[factors.FactorSourceID]bool, len(outcomes))
	seenSigs := make(map[sigKey]intents.HDSignature)

	for _, o := range outcomes {
		if _, ok := p.factorToTxs[o.FactorSourceID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnexpectedFactor, o.FactorSourceID.Short())
		}
		if seenFactors[o.FactorSourceID] {
			return fmt.Errorf("%w: %s answered twice", ErrInvalidRequest, o.FactorSourceID.Short())
		}
		seenFactors[o.FactorSourceID] = true

		if o.Neglected != "" {
			if !o.Neglected.Valid() {
				return fmt.Errorf("%w: neglect reason %q", ErrInvalidRequest, o.Neglected)
			}
			if len(o.Signatures) > 0 {
				return fmt.Errorf("%w: %s both signed and neglected", ErrInvalidRequest, o.FactorSourceID.Short())
			}
			continue
		}
		for _, sig := range o.Signatures {
			if sig.FactorSourceID() != o.FactorSourceID {
				return fmt.Errorf("%w: signature by %s in answer for %s", ErrUnexpectedFactor,
					sig.FactorSourceID().Short(), o.FactorSourceID.Short())
			}
			tp, ok := p.transactions[sig.IntentHash]
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownTransaction, sig.IntentHash.Short())
			}
			if err := intents.VerifySignature(sig.IntentHash, sig); err != nil {
				return err
			}
			if err := tp.checkSignature(sig); err != nil {
				return err
			}
			k := sigKey{sig.IntentHash, sig.Owner(), sig.FactorSourceID()}
			if prev, ok := seenSigs[k]; ok && !prev.Equal(sig) {
				return fmt.Errorf("%w: %s", ErrDuplicateSignature, sig.FactorSourceID().Short())
			}
			seenSigs[k] = sig
		}
	}
	return nil
}

// NeglectFactorSources marks factor sources as not signing, for every
// transaction. Neglect is permanent for the session.
func (p *Petitions) NeglectFactorSources(ids []factors.FactorSourceID, reason NeglectReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustNotBeConsumed()
	for _, id := range ids {
		p.neglectLocked(id, reason)
	}
}

func (p *Petitions) neglectLocked(id factors.FactorSourceID, reason NeglectReason) {
	hashes, ok := p.factorToTxs[id]
	if !ok {
		return
	}
	for _, n := range p.neglected {
		if n.FactorSourceID == id {
			return
		}
	}
	p.neglected = append(p.neglected, NeglectedFactor{FactorSourceID: id, Reason: reason})
	for _, hash := range hashes {
		p.transactions[hash].Neglect(id, reason)
	}
}

// NeglectIrrelevant neglects, as IrrelevantForThisBatch, every factor
// source that has neither signed nor been neglected but whose signature
// can no longer change any outcome. It returns those factor sources.
func (p *Petitions) NeglectIrrelevant() []factors.FactorSourceID {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustNotBeConsumed()

	var out []factors.FactorSourceID
	for id := range p.factorToTxs {
		if p.needsLocked(id) || p.isNeglectedLocked(id) || p.signedAnywhereLocked(id) {
			continue
		}
		out = append(out, id)
	}
	slices.SortFunc(out, factors.FactorSourceID.Compare)
	for _, id := range out {
		p.neglectLocked(id, IrrelevantForThisBatch)
	}
	return out
}

func (p *Petitions) isNeglectedLocked(id factors.FactorSourceID) bool {
	for _, n := range p.neglected {
		if n.FactorSourceID == id {
			return true
		}
	}
	return false
}

func (p *Petitions) signedAnywhereLocked(id factors.FactorSourceID) bool {
	for _, hash := range p.factorToTxs[id] {
		for _, pet := range p.transactions[hash].petitions {
			if pet.HasSigned(id) {
				return true
			}
		}
	}
	return false
}

// NeglectedFactorSources returns the factor sources neglected so far, in
// the order they were neglected.
func (p *Petitions) NeglectedFactorSources() []NeglectedFactor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.neglected)
}

// SignaturesFor returns the signatures collected so far for one
// transaction.
func (p *Petitions) SignaturesFor(hash intents.Hash) []intents.HDSignature {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.transaction(hash).Signatures()
}

// Outcome partitions every transaction into successful or failed and
// consumes the session. Undecided transactions count as failed. Calling
// Outcome twice panics.
func (p *Petitions) Outcome() *SignaturesOutcome {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mustNotBeConsumed()
	p.consumed = true

	out := &SignaturesOutcome{
		Successful: []SignedTransaction{},
		Failed:     []SignedTransaction{},
		Neglected:  slices.Clone(p.neglected),
	}
	for _, hash := range p.order {
		tp := p.transactions[hash]
		st := SignedTransaction{Intent: tp.Intent(), Signatures: tp.Signatures()}
		if tp.Status() == Satisfied {
			out.Successful = append(out.Successful, st)
		} else {
			out.Failed = append(out.Failed, st)
		}
	}
	return out
}
