package ledger

import (
	"cmp"
	"slices"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/nutkeeper/internal/model"
)

// Held is a proof and the live record listing it.
type Held struct {
	Proof  model.Proof
	Record uuid.UUID
}

// Stale is a live record that must be rewritten: it was superseded but not deleted,
// or some of its proofs are duplicates or retired. Keep lists its proofs that are
// still held through it.
type Stale struct {
	Record model.TokenRecord
	Keep   model.Proofs
}

// MintState is the rebuilt holdings of one mint.
type MintState struct {
	Mint   string
	Proofs []Held
	Stale  []Stale
}

// Balance returns the sum of held proofs.
func (s MintState) Balance() uint64 {
	var t uint64
	for _, h := range s.Proofs {
		t += h.Proof.Amount
	}
	return t
}

// Rebuild derives ledger state from live token records. It is pure: records are
// processed oldest first, a record named in another live record's Supersedes is
// ignored, each proof secret is held at most once (the oldest record wins) and
// proofs for which retired returns true are dropped.
func Rebuild(recs []model.TokenRecord, retired func(secret string) bool) map[string]*MintState {
	recs = slices.Clone(recs)
	slices.SortStableFunc(recs, func(a, b model.TokenRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})

	superseded := map[uuid.UUID]bool{}
	for _, r := range recs {
		for _, id := range r.Supersedes {
			if id != r.ID {
				superseded[id] = true
			}
		}
	}

	out := map[string]*MintState{}
	seen := map[string]bool{}
	for _, r := range recs {
		st, ok := out[r.Mint]
		if !ok {
			st = &MintState{Mint: r.Mint}
			out[r.Mint] = st
		}
		if superseded[r.ID] {
			st.Stale = append(st.Stale, Stale{Record: r})
			continue
		}
		var keep model.Proofs
		dirty := false
		for _, p := range r.Proofs {
			key := model.ProofKey(p)
			if seen[key] || (retired != nil && retired(key)) {
				dirty = true
				continue
			}
			seen[key] = true
			keep = append(keep, p)
			st.Proofs = append(st.Proofs, Held{Proof: p, Record: r.ID})
		}
		if dirty || len(r.Proofs) == 0 {
			st.Stale = append(st.Stale, Stale{Record: r, Keep: keep})
		}
	}
	return out
}
