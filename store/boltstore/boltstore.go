// Package boltstore is the bbolt-backed Store implementation, directly
// descended from the teacher's BlockDB (service/struct.go): one bucket per
// table, protobuf-encoded rows, a read-write bbolt.Tx wrapped to satisfy
// store.Tx.
package boltstore

import (
	"math/big"

	bbolt "go.etcd.io/bbolt"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"

	"latticenode/block"
	"latticenode/store"
)

var (
	bucketBlocks      = []byte("blocks")
	bucketAccounts    = []byte("accounts")
	bucketFrontiers   = []byte("frontiers")
	bucketPending     = []byte("pending")
	bucketConfHeights = []byte("confirmation_height")
	bucketWeights     = []byte("online_weight") // representative weights ride the online_weight table's bucket family
	bucketWtSamples   = []byte("online_weight_samples")
	bucketUnchecked   = []byte("unchecked")
	bucketVote        = []byte("vote")

	allBuckets = [][]byte{
		bucketBlocks, bucketAccounts, bucketFrontiers, bucketPending,
		bucketConfHeights, bucketWeights, bucketWtSamples, bucketUnchecked, bucketVote,
	}
)

// BoltStore opens a bbolt database file and creates the nine tables used
// by the consensus core, matching §6's persisted state layout.
type BoltStore struct {
	db *bbolt.DB
}

// Open creates or opens a bbolt store at path, as the teacher's
// NewBlockDB/bbolt.Open does.
func Open(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, xerrors.Errorf("open bbolt store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, xerrors.Errorf("init buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

func (s *BoltStore) View(fn func(store.Tx) error) error {
	return s.db.View(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

func (s *BoltStore) Update(fn func(store.Tx) error) error {
	return s.db.Update(func(tx *bbolt.Tx) error { return fn(&boltTx{tx: tx}) })
}

type boltTx struct {
	tx *bbolt.Tx
}

func put(b *bbolt.Bucket, key []byte, v interface{}) error {
	buf, err := protobuf.Encode(v)
	if err != nil {
		return xerrors.Errorf("encode: %w", err)
	}
	return b.Put(key, buf)
}

func get(b *bbolt.Bucket, key []byte, v interface{}) (bool, error) {
	raw := b.Get(key)
	if raw == nil {
		return false, nil
	}
	buf := make([]byte, len(raw))
	copy(buf, raw) // bbolt values are only valid for the life of the tx
	if err := protobuf.Decode(buf, v); err != nil {
		return false, xerrors.Errorf("decode: %w", err)
	}
	return true, nil
}

// --- wire row shapes (big.Int isn't protobuf-friendly, so amounts travel as bytes) ---

type blockRow struct {
	Type           uint32
	Previous       []byte
	Account        []byte
	Balance        []byte
	Representative []byte
	Link           []byte
	Signature      []byte
	Work           uint64
	Height         uint64
	Timestamp      int64
	Epoch          uint32
	IsSend         bool
	IsReceive      bool
	IsEpoch        bool
}

func toBlockRow(b *block.Block) blockRow {
	bal := []byte{}
	if b.Balance != nil {
		bal = b.Balance.Bytes()
	}
	return blockRow{
		Type: uint32(b.Type), Previous: b.Previous[:], Account: b.Account[:],
		Balance: bal, Representative: b.Representative[:], Link: b.Link[:],
		Signature: b.Signature, Work: b.Work,
		Height: b.Sideband.Height, Timestamp: b.Sideband.Timestamp, Epoch: uint32(b.Sideband.Epoch),
		IsSend: b.Sideband.Details.IsSend, IsReceive: b.Sideband.Details.IsReceive, IsEpoch: b.Sideband.Details.IsEpoch,
	}
}

func fromBlockRow(r blockRow) *block.Block {
	b := &block.Block{
		Type:      block.Type(r.Type),
		Balance:   new(big.Int).SetBytes(r.Balance),
		Work:      r.Work,
		Signature: r.Signature,
		Sideband: block.Sideband{
			Height: r.Height, Timestamp: r.Timestamp, Epoch: block.Epoch(r.Epoch),
			Details: block.Details{IsSend: r.IsSend, IsReceive: r.IsReceive, IsEpoch: r.IsEpoch},
		},
	}
	copy(b.Previous[:], r.Previous)
	copy(b.Account[:], r.Account)
	copy(b.Representative[:], r.Representative)
	copy(b.Link[:], r.Link)
	return b
}

func (t *boltTx) GetBlock(h block.Hash) (*block.Block, bool, error) {
	var row blockRow
	ok, err := get(t.tx.Bucket(bucketBlocks), h[:], &row)
	if !ok || err != nil {
		return nil, ok, err
	}
	return fromBlockRow(row), true, nil
}

func (t *boltTx) PutBlock(b *block.Block) error {
	h, err := b.Hash()
	if err != nil {
		return err
	}
	row := toBlockRow(b)
	return put(t.tx.Bucket(bucketBlocks), h[:], &row)
}

func (t *boltTx) DeleteBlock(h block.Hash) error {
	return t.tx.Bucket(bucketBlocks).Delete(h[:])
}

type accountRow struct {
	Head       []byte
	OpenBlock  []byte
	Balance    []byte
	Rep        []byte
	Modified   int64
	BlockCount uint64
	Epoch      uint32
}

func (t *boltTx) GetAccount(a block.Account) (*block.AccountInfo, bool, error) {
	var row accountRow
	ok, err := get(t.tx.Bucket(bucketAccounts), a[:], &row)
	if !ok || err != nil {
		return nil, ok, err
	}
	info := &block.AccountInfo{
		Balance: new(big.Int).SetBytes(row.Balance), Modified: row.Modified,
		BlockCount: row.BlockCount, Epoch: block.Epoch(row.Epoch),
	}
	copy(info.Head[:], row.Head)
	copy(info.OpenBlock[:], row.OpenBlock)
	copy(info.Rep[:], row.Rep)
	return info, true, nil
}

func (t *boltTx) PutAccount(a block.Account, info *block.AccountInfo) error {
	bal := []byte{}
	if info.Balance != nil {
		bal = info.Balance.Bytes()
	}
	row := accountRow{
		Head: info.Head[:], OpenBlock: info.OpenBlock[:], Balance: bal,
		Rep: info.Rep[:], Modified: info.Modified, BlockCount: info.BlockCount, Epoch: uint32(info.Epoch),
	}
	return put(t.tx.Bucket(bucketAccounts), a[:], &row)
}

func (t *boltTx) GetFrontier(head block.Hash) (block.Account, bool, error) {
	raw := t.tx.Bucket(bucketFrontiers).Get(head[:])
	var a block.Account
	if raw == nil {
		return a, false, nil
	}
	copy(a[:], raw)
	return a, true, nil
}

func (t *boltTx) PutFrontier(head block.Hash, a block.Account) error {
	return t.tx.Bucket(bucketFrontiers).Put(head[:], a[:])
}

func (t *boltTx) DeleteFrontier(head block.Hash) error {
	return t.tx.Bucket(bucketFrontiers).Delete(head[:])
}

func pendingKeyBytes(k block.PendingKey) []byte {
	out := make([]byte, 0, block.HashSize*2)
	out = append(out, k.Destination[:]...)
	out = append(out, k.SendHash[:]...)
	return out
}

type pendingRow struct {
	Source []byte
	Amount []byte
	Epoch  uint32
}

func (t *boltTx) GetPending(k block.PendingKey) (*block.PendingEntry, bool, error) {
	var row pendingRow
	ok, err := get(t.tx.Bucket(bucketPending), pendingKeyBytes(k), &row)
	if !ok || err != nil {
		return nil, ok, err
	}
	e := &block.PendingEntry{Amount: new(big.Int).SetBytes(row.Amount), Epoch: block.Epoch(row.Epoch)}
	copy(e.Source[:], row.Source)
	return e, true, nil
}

func (t *boltTx) PutPending(k block.PendingKey, e *block.PendingEntry) error {
	amt := []byte{}
	if e.Amount != nil {
		amt = e.Amount.Bytes()
	}
	row := pendingRow{Source: e.Source[:], Amount: amt, Epoch: uint32(e.Epoch)}
	return put(t.tx.Bucket(bucketPending), pendingKeyBytes(k), &row)
}

func (t *boltTx) DeletePending(k block.PendingKey) error {
	return t.tx.Bucket(bucketPending).Delete(pendingKeyBytes(k))
}

type confHeightRow struct {
	Height   uint64
	Frontier []byte
}

func (t *boltTx) GetConfirmationHeight(a block.Account) (*block.ConfirmationHeightInfo, bool, error) {
	var row confHeightRow
	ok, err := get(t.tx.Bucket(bucketConfHeights), a[:], &row)
	if !ok || err != nil {
		return nil, ok, err
	}
	info := &block.ConfirmationHeightInfo{Height: row.Height}
	copy(info.Frontier[:], row.Frontier)
	return info, true, nil
}

func (t *boltTx) PutConfirmationHeight(a block.Account, info *block.ConfirmationHeightInfo) error {
	row := confHeightRow{Height: info.Height, Frontier: info.Frontier[:]}
	return put(t.tx.Bucket(bucketConfHeights), a[:], &row)
}

func (t *boltTx) GetWeight(rep block.Account) (*big.Int, bool, error) {
	raw := t.tx.Bucket(bucketWeights).Get(append([]byte("w:"), rep[:]...))
	if raw == nil {
		return nil, false, nil
	}
	return new(big.Int).SetBytes(raw), true, nil
}

func (t *boltTx) PutWeight(rep block.Account, w *big.Int) error {
	return t.tx.Bucket(bucketWeights).Put(append([]byte("w:"), rep[:]...), w.Bytes())
}

func secondKey(second int64) []byte {
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[7-i] = byte(second >> (8 * i))
	}
	return key
}

func (t *boltTx) PutOnlineWeightSample(second int64, weight *big.Int) error {
	return t.tx.Bucket(bucketWtSamples).Put(secondKey(second), weight.Bytes())
}

func (t *boltTx) ListOnlineWeightSamples() (map[int64]*big.Int, error) {
	out := make(map[int64]*big.Int)
	err := t.tx.Bucket(bucketWtSamples).ForEach(func(k, v []byte) error {
		var second int64
		for i := 0; i < 8 && i < len(k); i++ {
			second = (second << 8) | int64(k[i])
		}
		out[second] = new(big.Int).SetBytes(v)
		return nil
	})
	return out, err
}

func uncheckedKey(dependency, blockHash block.Hash) []byte {
	out := make([]byte, 0, block.HashSize*2)
	out = append(out, dependency[:]...)
	out = append(out, blockHash[:]...)
	return out
}

func (t *boltTx) PutUnchecked(dependency, blockHash block.Hash, b *block.Block) error {
	row := toBlockRow(b)
	return put(t.tx.Bucket(bucketUnchecked), uncheckedKey(dependency, blockHash), &row)
}

func (t *boltTx) GetUncheckedByDependency(dependency block.Hash) (map[block.Hash]*block.Block, error) {
	out := make(map[block.Hash]*block.Block)
	c := t.tx.Bucket(bucketUnchecked).Cursor()
	prefix := dependency[:]
	for k, v := c.Seek(prefix); k != nil && len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix); k, v = c.Next() {
		var row blockRow
		buf := make([]byte, len(v))
		copy(buf, v)
		if err := protobuf.Decode(buf, &row); err != nil {
			return nil, err
		}
		var bh block.Hash
		copy(bh[:], k[len(prefix):])
		out[bh] = fromBlockRow(row)
	}
	return out, nil
}

func (t *boltTx) DeleteUnchecked(dependency, blockHash block.Hash) error {
	return t.tx.Bucket(bucketUnchecked).Delete(uncheckedKey(dependency, blockHash))
}

func (t *boltTx) GetLastVoteSequence(rep block.Account) (uint64, bool, error) {
	raw := t.tx.Bucket(bucketVote).Get(rep[:])
	if raw == nil {
		return 0, false, nil
	}
	var seq uint64
	for i := 0; i < 8 && i < len(raw); i++ {
		seq = (seq << 8) | uint64(raw[i])
	}
	return seq, true, nil
}

func (t *boltTx) PutLastVoteSequence(rep block.Account, seq uint64) error {
	buf := make([]byte, 8)
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(seq >> (8 * i))
	}
	return t.tx.Bucket(bucketVote).Put(rep[:], buf)
}
