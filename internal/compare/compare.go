// Package compare computes create/update/delete/unchanged diffs between two
// keyed collections of records.
//
// The comparator is a pure function over in-memory data: it never touches the
// database or the remote API. Callers feed it the remote collection (source)
// and the locally cached collection (target) and consume the resulting
// partition.
package compare

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is a single schemaless record, as decoded from a JSON document.
type Record = map[string]any

// Options controls key selection and value normalization.
type Options struct {
	// KeyField is the field used to index both collections (default "id").
	KeyField string

	// CompareFields restricts the field-by-field comparison.
	// Empty means the union of both records' fields.
	CompareFields []string

	// CaseSensitive disables case folding of string values and keys.
	CaseSensitive bool

	// TrimStrings trims surrounding whitespace before comparing strings.
	TrimStrings bool
}

// DefaultOptions returns the option set used when a zero Options is passed:
// key field "id", all fields compared, case-insensitive, trimmed strings.
func DefaultOptions() Options {
	return Options{
		KeyField:    "id",
		TrimStrings: true,
	}
}

// FieldDiff records one differing field with its before/after values.
type FieldDiff struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// UpdateEntry is a target record that differs from its source counterpart.
type UpdateEntry struct {
	Record Record      `json:"record"`
	Diffs  []FieldDiff `json:"diffs"`
}

// Result partitions the union of both collections' keys.
// Every normalized key appears in exactly one of the four collections.
type Result struct {
	ToCreate  []Record      `json:"toCreate"`
	ToUpdate  []UpdateEntry `json:"toUpdate"`
	ToDelete  []Record      `json:"toDelete"`
	Unchanged []Record      `json:"unchanged"`
}

// Summary returns the partition sizes in a fixed, printable form.
func (r *Result) Summary() string {
	return fmt.Sprintf("create=%d update=%d delete=%d unchanged=%d",
		len(r.ToCreate), len(r.ToUpdate), len(r.ToDelete), len(r.Unchanged))
}

// Compare diffs target against source.
//
// Records present only in target go to ToCreate ("create in source"),
// records present only in source go to ToDelete ("delete from source"),
// records present in both are compared field by field.
//
// Both collections are indexed by the normalized key field, so the whole
// comparison is O(n+m). When two records normalize to the same key, the later
// one in iteration order wins the index slot (last-write-wins); callers that
// care about duplicates must de-duplicate beforehand.
func Compare(source, target []Record, opts Options) *Result {
	if zeroOptions(opts) {
		opts = DefaultOptions()
	}
	if opts.KeyField == "" {
		opts.KeyField = "id"
	}

	sourceIdx, sourceKeys := buildIndex(source, opts)
	targetIdx, targetKeys := buildIndex(target, opts)

	result := &Result{}

	// Walk the target: new or changed records.
	for _, key := range targetKeys {
		tgt := targetIdx[key]
		src, ok := sourceIdx[key]
		if !ok {
			result.ToCreate = append(result.ToCreate, tgt)
			continue
		}

		diffs := diffRecords(src, tgt, opts)
		if len(diffs) == 0 {
			result.Unchanged = append(result.Unchanged, tgt)
		} else {
			result.ToUpdate = append(result.ToUpdate, UpdateEntry{Record: tgt, Diffs: diffs})
		}
	}

	// Walk the source: records gone from the target.
	for _, key := range sourceKeys {
		if _, ok := targetIdx[key]; !ok {
			result.ToDelete = append(result.ToDelete, sourceIdx[key])
		}
	}

	return result
}

// zeroOptions reports whether opts is the zero value, which stands for
// DefaultOptions. A partially filled Options is taken literally.
func zeroOptions(opts Options) bool {
	return opts.KeyField == "" && opts.CompareFields == nil &&
		!opts.CaseSensitive && !opts.TrimStrings
}

// buildIndex maps normalized key -> record, keeping first-seen key order so
// the output is deterministic. Duplicate keys overwrite the slot.
func buildIndex(records []Record, opts Options) (map[string]Record, []string) {
	idx := make(map[string]Record, len(records))
	keys := make([]string, 0, len(records))

	for _, rec := range records {
		key := normalizeKey(rec[opts.KeyField], opts)
		if _, seen := idx[key]; !seen {
			keys = append(keys, key)
		}
		idx[key] = rec
	}

	return idx, keys
}

// diffRecords compares the configured fields of two records and returns the
// differing ones with their source (before) and target (after) values.
func diffRecords(src, tgt Record, opts Options) []FieldDiff {
	fields := opts.CompareFields
	if len(fields) == 0 {
		fields = unionFields(src, tgt)
	}

	var diffs []FieldDiff
	for _, field := range fields {
		if field == opts.KeyField {
			continue
		}
		before, after := src[field], tgt[field]
		if normalizeValue(before, opts) != normalizeValue(after, opts) {
			diffs = append(diffs, FieldDiff{Field: field, Before: before, After: after})
		}
	}
	return diffs
}

// unionFields returns the union of both records' field names, source fields
// first, preserving encounter order.
func unionFields(src, tgt Record) []string {
	seen := make(map[string]bool, len(src)+len(tgt))
	fields := make([]string, 0, len(src)+len(tgt))
	for field := range src {
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	for field := range tgt {
		if !seen[field] {
			seen[field] = true
			fields = append(fields, field)
		}
	}
	return fields
}

// normalizeKey casts the key value to a normalized string.
// nil normalizes to the empty key, so records without the key field still
// land in a stable slot instead of being dropped.
func normalizeKey(v any, opts Options) string {
	if v == nil {
		return ""
	}
	key := fmt.Sprintf("%v", v)
	if opts.TrimStrings {
		key = strings.TrimSpace(key)
	}
	if !opts.CaseSensitive {
		key = strings.ToLower(key)
	}
	return key
}

// normalizeValue reduces a field value to a comparable string.
//
// nil and absent fields are equivalent. Strings are optionally trimmed and
// case-folded. Composite values (objects, arrays) are serialized to JSON so
// they compare structurally. Scalars are type-prefixed so "1" != 1.
func normalizeValue(v any, opts Options) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		if opts.TrimStrings {
			val = strings.TrimSpace(val)
		}
		if !opts.CaseSensitive {
			val = strings.ToLower(val)
		}
		return "s:" + val
	case map[string]any, []any:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("o:%v", val)
		}
		return "o:" + string(data)
	default:
		return fmt.Sprintf("v:%v", val)
	}
}
