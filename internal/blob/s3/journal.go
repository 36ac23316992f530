package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/habitplatform/matchsync/internal/domain"
)

const journalContentType = "application/x-ndjson"

// Journal implements domain.Journal as one JSONL object per processed range:
//
//	journal/<contract>/<from:012d>-<to:012d>.jsonl
//
// Block numbers are zero-padded so a prefix listing returns ranges in order.
type Journal struct {
	writer domain.BlobWriter
	reader domain.BlobReader
	prefix string
}

// NewJournal creates a journal for the given contract.
func NewJournal(w domain.BlobWriter, r domain.BlobReader, contract domain.Address) *Journal {
	return &Journal{
		writer: w,
		reader: r,
		prefix: path.Join("journal", contract.String()) + "/",
	}
}

func (j *Journal) objectKey(from, to uint64) string {
	return fmt.Sprintf("%s%012d-%012d.jsonl", j.prefix, from, to)
}

// parseRange extracts the block range from an object key.
func (j *Journal) parseRange(key string) (uint64, uint64, bool) {
	name := strings.TrimSuffix(strings.TrimPrefix(key, j.prefix), ".jsonl")
	lo, hi, ok := strings.Cut(name, "-")
	if !ok {
		return 0, 0, false
	}
	from, err := strconv.ParseUint(lo, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	to, err := strconv.ParseUint(hi, 10, 64)
	if err != nil || from > to {
		return 0, 0, false
	}
	return from, to, true
}

// Record writes events for [from, to]. Empty ranges are written too so a
// replay can tell "no events" from "never journaled".
func (j *Journal) Record(ctx context.Context, from, to uint64, events []domain.LedgerEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return fmt.Errorf("s3blob: encode journal event %s: %w", ev.TxHash, err)
		}
	}

	key := j.objectKey(from, to)
	if err := j.writer.Put(ctx, key, &buf, journalContentType); err != nil {
		return fmt.Errorf("s3blob: journal %s: %w", key, err)
	}
	return nil
}

type eventKey struct {
	kind domain.EventKind
	pos  domain.LogPosition
}

// Load returns the journaled events inside [from, to] from every object whose
// range overlaps it, deduplicated and in ledger order.
func (j *Journal) Load(ctx context.Context, from, to uint64) ([]domain.LedgerEvent, error) {
	// Keys sort by start block, so the walk ends at the first object that
	// starts past the range.
	var keys []string
	err := j.reader.Walk(ctx, j.prefix, func(info domain.BlobInfo) bool {
		objFrom, objTo, ok := j.parseRange(info.Path)
		if !ok {
			return true
		}
		if objFrom > to {
			return false
		}
		if objTo >= from {
			keys = append(keys, info.Path)
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("s3blob: list journal: %w", err)
	}

	seen := make(map[eventKey]struct{})
	var out []domain.LedgerEvent
	for _, key := range keys {
		events, err := j.readObject(ctx, key)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if ev.Position.Block < from || ev.Position.Block > to {
				continue
			}
			k := eventKey{ev.Kind, ev.Position}
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, ev)
		}
	}

	sort.SliceStable(out, func(a, b int) bool { return out[a].Position.Before(out[b].Position) })
	return out, nil
}

func (j *Journal) readObject(ctx context.Context, key string) ([]domain.LedgerEvent, error) {
	body, err := j.reader.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("s3blob: read journal %s: %w", key, err)
	}
	defer body.Close()

	var out []domain.LedgerEvent
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ev domain.LedgerEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("s3blob: decode journal %s line %d: %w", key, line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("s3blob: scan journal %s: %w", key, err)
	}
	return out, nil
}

var _ domain.Journal = (*Journal)(nil)
