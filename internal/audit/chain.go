package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hochfrequenz/epistemic-engine/internal/domain"
)

// Options configures a Chain
type Options struct {
	// Hash names the digest algorithm; see HasherFor
	Hash string
	// Clock stamps record timestamps; defaults to time.Now in UTC
	Clock func() time.Time
	// Logger reports a torn trailing record dropped on Open
	Logger *slog.Logger
}

// logFile is the subset of *os.File a Chain persists through
type logFile interface {
	io.WriteSeeker
	Sync() error
	Truncate(size int64) error
	Close() error
}

// Chain is an append-only, hash-linked audit log. Appends are serialized and
// persisted to the backing file before they return.
type Chain struct {
	mu      sync.RWMutex
	path    string
	file    logFile
	hash    Hasher
	now     func() time.Time
	records []Record
	closed  bool
}

// Open opens or creates the audit log at path and resumes its chain.
// An empty path keeps the chain in memory only.
func Open(path string, opts Options) (*Chain, error) {
	h, err := HasherFor(opts.Hash)
	if err != nil {
		return nil, err
	}
	c := &Chain{
		path: path,
		hash: h,
		now:  opts.Clock,
	}
	if c.now == nil {
		c.now = func() time.Time { return time.Now().UTC() }
	}
	if path == "" {
		return c, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	records, torn, err := readForResume(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if res := VerifyRecords(records, h); !res.Valid {
		return nil, fmt.Errorf("%w: existing log %s does not verify with %s at record %d: %s",
			domain.ErrAuditFailure, path, hashName(opts.Hash), res.BreakIndex, res.Reason)
	}
	if torn >= 0 {
		if err := os.Truncate(path, torn); err != nil {
			return nil, fmt.Errorf("drop torn audit record: %w", err)
		}
		logger := opts.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("audit log ended in a torn record, dropped it", "path", path, "offset", torn, "records", len(records))
	}
	c.records = records

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	c.file = f
	return c, nil
}

// Append adds a record for eventType with the given payload and returns it.
// It fails only if the payload cannot be serialized or the record cannot be persisted.
func (c *Chain) Append(eventType domain.EventType, payload any) (Record, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return Record{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return Record{}, fmt.Errorf("%w: chain closed", domain.ErrAuditFailure)
	}

	prev := GenesisHash
	if n := len(c.records); n > 0 {
		prev = c.records[n-1].Hash
	}
	seq := uint64(len(c.records))
	rec := Record{
		Seq:       seq,
		Timestamp: c.now(),
		EventType: eventType,
		Payload:   canonical,
		PrevHash:  prev,
		Hash:      computeHash(c.hash, prev, seq, eventType, canonical),
	}

	if c.file != nil {
		if err := c.persist(rec); err != nil {
			return Record{}, err
		}
	}
	c.records = append(c.records, rec)
	return rec, nil
}

func (c *Chain) persist(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: marshal record: %v", domain.ErrAuditFailure, err)
	}
	data = append(data, '\n')
	end, err := c.file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("%w: seek audit log: %v", domain.ErrAuditFailure, err)
	}
	if _, err := c.file.Write(data); err != nil {
		return c.rollback(end, fmt.Errorf("%w: write record: %v", domain.ErrAuditFailure, err))
	}
	if err := c.file.Sync(); err != nil {
		return c.rollback(end, fmt.Errorf("%w: sync audit log: %v", domain.ErrAuditFailure, err))
	}
	return nil
}

// rollback cuts the file back to end after a failed persist. If that fails
// too the file may hold a partial line, so the chain refuses further appends.
func (c *Chain) rollback(end int64, cause error) error {
	if err := c.file.Truncate(end); err != nil {
		c.closed = true
		return fmt.Errorf("%w; truncate to %d: %v", cause, end, err)
	}
	return cause
}

// Verify recomputes every record and reports the first break in the chain
func (c *Chain) Verify() VerifyResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return VerifyRecords(c.records, c.hash)
}

// Export returns a copy of all records in append order
func (c *Chain) Export() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, len(c.records))
	for i, r := range c.records {
		r.Payload = append(json.RawMessage(nil), r.Payload...)
		out[i] = r
	}
	return out
}

// Len returns the number of records
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.records)
}

// Head returns the hash of the last record, or GenesisHash for an empty chain
func (c *Chain) Head() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.records) == 0 {
		return GenesisHash
	}
	return c.records[len(c.records)-1].Hash
}

// Hasher returns the digest the chain links records with
func (c *Chain) Hasher() Hasher {
	return c.hash
}

// Path returns the audit log file path
func (c *Chain) Path() string {
	return c.path
}

// Close flushes and closes the backing file. Appends after Close fail.
func (c *Chain) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.file == nil {
		return nil
	}
	err := c.file.Sync()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	c.file = nil
	return err
}

// LineError reports a log line that is not a valid record. Index is the
// position the record would have had in the chain.
type LineError struct {
	Line  int
	Index int
	Err   error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("audit log line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// readForResume parses the log like ReadFile but tolerates a torn final
// line, the trace of a write interrupted before Append returned. torn is the
// byte offset the file must be cut back to, or -1 when the tail is whole.
// Damage before the last line is still reported as a *LineError.
func readForResume(path string) (records []Record, torn int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, -1, err
	}
	var off int64
	line := 0
	for rest := data; len(rest) > 0; {
		line++
		raw := rest
		terminated := false
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			raw = rest[:i+1]
			terminated = true
		}
		rest = rest[len(raw):]
		if b := bytes.TrimSpace(raw); len(b) > 0 {
			var rec Record
			if err := json.Unmarshal(b, &rec); err != nil {
				if len(bytes.TrimSpace(rest)) == 0 {
					return records, off, nil
				}
				return records, -1, &LineError{Line: line, Index: len(records), Err: err}
			}
			if !terminated {
				return records, off, nil
			}
			records = append(records, rec)
		}
		off += int64(len(raw))
	}
	return records, -1, nil
}

func hashName(name string) string {
	if name == "" {
		return HashBLAKE3
	}
	return name
}

// ReadFile parses every record of a JSONL audit log
func ReadFile(path string) ([]Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var records []Record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(b, &rec); err != nil {
			return records, &LineError{Line: line, Index: len(records), Err: err}
		}
		records = append(records, rec)
	}
	return records, sc.Err()
}
