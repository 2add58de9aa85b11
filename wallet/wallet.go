// Package wallet is the reference netiface.Wallets: it holds the local
// node's representative BLS keys (signing votes, per the teacher's
// blscosi suite) and ed25519 account keys (signing blocks), and builds
// outgoing send blocks against the ledger's current state.
package wallet

import (
	"crypto/ed25519"
	"math/big"
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"golang.org/x/xerrors"

	"latticenode/block"
	"latticenode/ledger"
	"latticenode/vote"
)

// Representative is one local voting identity: a BLS keypair under
// vote.Suite, addressed by the account it votes as.
type Representative struct {
	Account block.Account
	Private kyber.Scalar
	Public  []byte
}

// Account is one local spending identity: an ed25519 keypair whose public
// half is the account's 32-byte identifier.
type Account struct {
	Address block.Account
	Private ed25519.PrivateKey
}

// Wallet is the reference netiface.Wallets implementation.
type Wallet struct {
	mu    sync.Mutex
	reps  map[block.Account]*Representative
	accts map[block.Account]*Account
	l     *ledger.Ledger
}

// New constructs an empty Wallet bound to ledger l for building sends.
func New(l *ledger.Ledger) *Wallet {
	return &Wallet{reps: make(map[block.Account]*Representative), accts: make(map[block.Account]*Account), l: l}
}

// AddRepresentative registers a local voting identity.
func (w *Wallet) AddRepresentative(r *Representative) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reps[r.Account] = r
}

// AddAccount registers a local spending identity.
func (w *Wallet) AddAccount(a *Account) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.accts[a.Address] = a
}

// Reps implements netiface.Wallets.
func (w *Wallet) Reps() []block.Account {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]block.Account, 0, len(w.reps))
	for a := range w.reps {
		out = append(out, a)
	}
	return out
}

// Sign implements netiface.Wallets: produces a BLS-signed vote for hashes
// at sequence, under rep's representative key.
func (w *Wallet) Sign(rep block.Account, hashes []block.Hash, sequence uint64) (*vote.Vote, error) {
	w.mu.Lock()
	r, ok := w.reps[rep]
	w.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("wallet: no representative key for %s", rep)
	}
	v := &vote.Vote{Representative: rep, Sequence: sequence, Hashes: append([]block.Hash(nil), hashes...), PublicKey: r.Public}
	sig, err := bls.Sign(vote.Suite, r.Private, v.SigningPayload())
	if err != nil {
		return nil, xerrors.Errorf("bls sign: %w", err)
	}
	v.Signature = sig
	return v, nil
}

// SendAction implements netiface.Wallets: builds and signs a send block
// moving amount from from's chain to to, and returns it without processing
// it into the ledger. The caller is responsible for generating sufficient work before
// broadcast; SendAction leaves Work at zero.
func (w *Wallet) SendAction(from, to block.Account, amount []byte) (*block.Block, error) {
	w.mu.Lock()
	acct, ok := w.accts[from]
	w.mu.Unlock()
	if !ok {
		return nil, xerrors.Errorf("wallet: no account key for %s", from)
	}

	info, ok := w.l.Account(from)
	if !ok {
		return nil, xerrors.Errorf("wallet: account %s has no open block", from)
	}
	sendAmount := new(big.Int).SetBytes(amount)
	if sendAmount.Cmp(info.Balance) > 0 {
		return nil, xerrors.New("wallet: insufficient balance")
	}
	newBalance := new(big.Int).Sub(info.Balance, sendAmount)

	b := &block.Block{
		Type:           block.TypeState,
		Previous:       info.Head,
		Account:        from,
		Balance:        newBalance,
		Representative: info.Rep,
		Link:           block.Hash(to),
	}
	h, err := b.Hash()
	if err != nil {
		return nil, xerrors.Errorf("hash send block: %w", err)
	}
	b.Signature = ed25519.Sign(acct.Private, h[:])
	return b, nil
}
