package audit

import (
	"errors"
	"fmt"
)

// VerifyResult reports chain integrity. BreakIndex is -1 when the chain is intact.
type VerifyResult struct {
	Valid      bool   `json:"valid"`
	BreakIndex int    `json:"break_index"`
	Reason     string `json:"reason,omitempty"`
}

func intact() VerifyResult {
	return VerifyResult{Valid: true, BreakIndex: -1}
}

func broken(i int, format string, args ...any) VerifyResult {
	return VerifyResult{BreakIndex: i, Reason: fmt.Sprintf(format, args...)}
}

// VerifyRecords checks sequence numbers, prev_hash linkage and record hashes
func VerifyRecords(records []Record, h Hasher) VerifyResult {
	expectedPrev := GenesisHash
	for i, rec := range records {
		if rec.Seq != uint64(i) {
			return broken(i, "sequence gap: expected %d, got %d", i, rec.Seq)
		}
		if rec.PrevHash != expectedPrev {
			return broken(i, "prev_hash mismatch: expected %s, got %s", short(expectedPrev), short(rec.PrevHash))
		}
		payload, err := canonicalJSON(rec.Payload)
		if err != nil {
			return broken(i, "payload: %v", err)
		}
		computed := computeHash(h, rec.PrevHash, rec.Seq, rec.EventType, payload)
		if rec.Hash != computed {
			return broken(i, "hash mismatch: expected %s, got %s", short(computed), short(rec.Hash))
		}
		expectedPrev = rec.Hash
	}
	return intact()
}

// VerifyFile independently re-verifies the audit log stored at path.
// A line that cannot be parsed is reported as the break point.
func VerifyFile(path, hash string) (VerifyResult, error) {
	h, err := HasherFor(hash)
	if err != nil {
		return VerifyResult{}, err
	}
	records, err := ReadFile(path)
	var lineErr *LineError
	if errors.As(err, &lineErr) {
		if res := VerifyRecords(records, h); !res.Valid {
			return res, nil
		}
		return broken(lineErr.Index, "unreadable record: %v", lineErr.Err), nil
	}
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyRecords(records, h), nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16] + "..."
	}
	return hash
}
