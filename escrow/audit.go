package escrow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"carflow/failure"
)

// ErrAuditTampered is returned when a stored audit entry no longer matches
// the hash chain.
var ErrAuditTampered = failure.New(failure.KindUnknown, "escrow: audit chain broken")

type auditLink struct {
	EscrowID string `json:"escrow_id"`
	Seq      int    `json:"seq"`
	Actor    string `json:"actor"`
	Action   Action `json:"action"`
	Note     string `json:"note"`
	At       string `json:"at"`
	PrevHash string `json:"prev_hash"`
}

// auditHash is the sha256 of the entry's content and its predecessor's hash.
// Timestamps are hashed at microsecond precision, the precision Postgres
// keeps.
func auditHash(escrowID string, entry AuditEntry) string {
	raw, err := json.Marshal(auditLink{
		EscrowID: escrowID,
		Seq:      entry.Seq,
		Actor:    entry.Actor,
		Action:   entry.Action,
		Note:     entry.Note,
		At:       entry.At.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano),
		PrevHash: entry.PrevHash,
	})
	if err != nil {
		panic(fmt.Sprintf("escrow: encode audit link: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// chain numbers entries after prior and links each to its predecessor.
func chain(escrowID string, prior []AuditEntry, entries ...AuditEntry) []AuditEntry {
	prev := ""
	seq := len(prior)
	if seq > 0 {
		prev = prior[seq-1].Hash
	}
	out := make([]AuditEntry, 0, len(entries))
	for _, entry := range entries {
		seq++
		entry.Seq = seq
		entry.At = entry.At.UTC().Truncate(time.Microsecond)
		entry.PrevHash = prev
		entry.Hash = auditHash(escrowID, entry)
		prev = entry.Hash
		out = append(out, entry)
	}
	return out
}

// VerifyAudit recomputes the audit hash chain and reports the first entry
// that was edited, removed or reordered.
func (e Escrow) VerifyAudit() error {
	prev := ""
	for i, entry := range e.Audit {
		if entry.Seq != i+1 || entry.PrevHash != prev || entry.Hash != auditHash(e.ID, entry) {
			return fmt.Errorf("%w: escrow %s entry %d", ErrAuditTampered, e.ID, i+1)
		}
		prev = entry.Hash
	}
	return nil
}
