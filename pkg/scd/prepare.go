package scd

import (
	"sort"

	"github.com/dimsync/dimsync/pkg/change"
	"github.com/dimsync/dimsync/pkg/job"
	"github.com/dimsync/dimsync/pkg/quality"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// entry is one accepted change record reduced to what the merge needs.
type entry struct {
	position int
	sequence any
	attrs    map[string]any
	delete   bool
}

type group struct {
	key     change.Key
	keyStr  string
	entries []entry
}

// Prepared is a validated change batch grouped by business key. It depends
// only on the batch and the job, so a retried run reuses it unchanged.
type Prepared struct {
	Processed    int
	Dropped      map[string]int
	Malformed    []*MalformedRecordError
	SequenceKind change.Kind
	groups       []*group
}

// Keys lists the distinct business keys of the accepted records.
func (p *Prepared) Keys() []change.Key {
	return lo.Map(p.groups, func(g *group, _ int) change.Key { return g.key })
}

// Accepted is the number of records that survived validation.
func (p *Prepared) Accepted() int {
	return lo.SumBy(p.groups, func(g *group) int { return len(g.entries) })
}

func (p *Prepared) drop(position int, reason string, err error) {
	p.Dropped[reason]++
	p.Malformed = append(p.Malformed, &MalformedRecordError{Position: position, Reason: reason, Err: err})
}

// Prepare applies the data-quality policy to a batch and groups the surviving
// records by business key, preserving arrival order inside each group.
func Prepare(j *job.Job, records []change.Record) (*Prepared, error) {
	predicates, err := quality.CompileAll(j.Expectations)
	if err != nil {
		return nil, err
	}

	var deleteMarker *quality.Predicate
	if j.ApplyAsDeletes != "" {
		deleteMarker, err = quality.Compile(DropDeleteMarker, j.ApplyAsDeletes)
		if err != nil {
			return nil, err
		}
	}

	expected := schemaOf(j, records)

	p := &Prepared{
		Processed:    len(records),
		Dropped:      map[string]int{},
		SequenceKind: change.KindNull,
	}
	byKey := map[string]*group{}

	for pos, rec := range records {
		if unexpected := unexpectedColumns(j, rec, expected); len(unexpected) > 0 {
			return nil, &SchemaMismatchError{Position: pos, Unexpected: unexpected, Expected: sortedKeys(expected)}
		}

		if v := quality.Check(predicates, rec.Fields); !v.Passed {
			p.drop(pos, DropExpectation(v.Failed), v.Err)
			continue
		}

		key := make(change.Key, len(j.Keys))
		for i, name := range j.Keys {
			key[i] = rec.Fields[name]
		}
		if key.IsNull() {
			p.drop(pos, DropMissingKey, nil)
			continue
		}

		seq := rec.Fields[j.SequenceBy]
		if seq == nil {
			p.drop(pos, DropMissingSequence, nil)
			continue
		}

		kind := change.KindOf(seq)
		if kind == change.KindOther {
			p.drop(pos, DropUnorderedSequence, errors.Errorf("value %v of type %T cannot be ordered", seq, seq))
			continue
		}
		if p.SequenceKind == change.KindNull {
			p.SequenceKind = kind
		} else if kind != p.SequenceKind {
			p.drop(pos, DropUnorderedSequence, errors.Errorf("sequence value %v is a %s, the batch is sequenced by %s values", seq, kind, p.SequenceKind))
			continue
		}

		isDelete := false
		if deleteMarker != nil {
			isDelete, err = deleteMarker.Eval(rec.Fields)
			if err != nil {
				p.drop(pos, DropDeleteMarker, err)
				continue
			}
		}

		attrs := make(map[string]any, len(rec.Fields))
		for name, v := range rec.Fields {
			if !j.IsReserved(name) {
				attrs[name] = v
			}
		}

		ks := key.String()
		g, ok := byKey[ks]
		if !ok {
			g = &group{key: key, keyStr: ks}
			byKey[ks] = g
		}
		g.entries = append(g.entries, entry{position: pos, sequence: seq, attrs: attrs, delete: isDelete})
	}

	p.groups = lo.Values(byKey)
	sort.Slice(p.groups, func(a, b int) bool { return p.groups[a].keyStr < p.groups[b].keyStr })

	return p, nil
}

// schemaOf returns the set of columns records are allowed to carry: the job's
// declared columns, or every column seen anywhere in the batch. Readers omit
// absent fields, so no single record defines the inferred schema.
func schemaOf(j *job.Job, records []change.Record) map[string]bool {
	set := map[string]bool{}
	if len(j.Columns) > 0 {
		for _, c := range j.Columns {
			set[c] = true
		}
	} else {
		for _, rec := range records {
			for name := range rec.Fields {
				set[name] = true
			}
		}
	}
	delete(set, j.RescuedColumn())
	return set
}

// unexpectedColumns lists columns outside the schema. Missing columns are read
// as nulls, readers commonly omit them.
func unexpectedColumns(j *job.Job, rec change.Record, expected map[string]bool) []string {
	var out []string
	for name := range rec.Fields {
		if name == j.RescuedColumn() {
			continue
		}
		if !expected[name] {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func sortedKeys(m map[string]bool) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
