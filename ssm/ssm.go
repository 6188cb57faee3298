// Package ssm reads tissue mutation tables (simple somatic mutations)
// with per-sample read counts and sequencing error rates.
package ssm

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("ssm")

// Mutation is a tissue-observed mutation.
type Mutation struct {
	// ID is the mutation id used by tree node maps, e.g. "s3".
	ID string
	// Key is the unique gene string; duplicates get a "_N" suffix.
	Key    string
	Symbol string
	Chrom  string
	Pos    int
	Change string
	// Ref and Total are per-sample read counts.
	Ref   []int
	Total []int
	MuR   float64
	MuV   float64
}

// Depth returns the total tissue read depth over all samples.
func (m *Mutation) Depth() (d int) {
	for _, t := range m.Total {
		d += t
	}
	return
}

// VAF returns the pooled tissue variant allele frequency.
func (m *Mutation) VAF() float64 {
	d := m.Depth()
	if d == 0 {
		return 0
	}
	ref := 0
	for _, r := range m.Ref {
		ref += r
	}
	return float64(d-ref) / float64(d)
}

// Table is an ordered set of mutations with lookups by key and id.
type Table struct {
	muts  []*Mutation
	byKey map[string]*Mutation
	byID  map[string]*Mutation
}

// Mutations returns mutations in file order.
func (t *Table) Mutations() []*Mutation {
	return t.muts
}

// Len returns the number of mutations.
func (t *Table) Len() int {
	return len(t.muts)
}

// Lookup finds a mutation by key, id or bare gene symbol. Symbols
// only match when they are unambiguous.
func (t *Table) Lookup(s string) (*Mutation, bool) {
	if m, ok := t.byKey[s]; ok {
		return m, true
	}
	if m, ok := t.byID[s]; ok {
		return m, true
	}
	var found *Mutation
	for _, m := range t.muts {
		if m.Symbol == s {
			if found != nil {
				return nil, false
			}
			found = m
		}
	}
	return found, found != nil
}

// NewTable creates a table, assigning unique keys.
func NewTable(muts []*Mutation) (*Table, error) {
	t := &Table{
		byKey: make(map[string]*Mutation, len(muts)),
		byID:  make(map[string]*Mutation, len(muts)),
	}
	count := make(map[string]int)
	for _, m := range muts {
		if _, ok := t.byID[m.ID]; ok {
			return nil, fmt.Errorf("duplicated mutation id %q", m.ID)
		}
		if _, ok := t.byKey[m.Key]; ok {
			base, key := m.Key, m.Key
			for n := max(count[base], 1) + 1; ; n++ {
				key = fmt.Sprintf("%s_%d", base, n)
				if _, ok := t.byKey[key]; !ok {
					count[base] = n
					break
				}
			}
			log.Debugf("Duplicated gene %s renamed to %s", base, key)
			m.Key = key
		}
		t.byKey[m.Key] = m
		t.byID[m.ID] = m
		t.muts = append(t.muts, m)
	}
	return t, nil
}

// ParseGene splits a gene string "SYMBOL_CHROM_POS_REF>ALT" into its
// parts. Missing parts are left empty.
func ParseGene(gene string) (symbol, chrom string, pos int, change string) {
	parts := strings.Split(gene, "_")
	symbol = parts[0]
	if len(parts) > 1 && strings.Contains(parts[len(parts)-1], ">") {
		change = parts[len(parts)-1]
		parts = parts[:len(parts)-1]
	}
	if len(parts) >= 3 {
		if p, err := strconv.Atoi(parts[2]); err == nil {
			chrom = parts[1]
			pos = p
		}
	}
	return
}

// Read reads a tab-separated SSM table.
//
// The file must contain the fields id, gene, a, d, mu_r and mu_v;
// a and d are comma-separated per-sample reference and total read
// counts. Example:
//
//	id	gene	a	d	mu_r	mu_v
//	s0	TP53_17_7577120_C>T	520,610	1000,1100	0.999	0.499
func Read(r io.Reader) (*Table, error) {
	tab := csv.NewReader(r)
	tab.Comma = '\t'
	tab.Comment = '#'

	head, err := tab.Read()
	if err != nil {
		return nil, fmt.Errorf("while reading header: %v", err)
	}
	fields := make(map[string]int, len(head))
	for i, h := range head {
		h = strings.ToLower(strings.TrimSpace(h))
		fields[h] = i
	}
	for _, h := range []string{"id", "gene", "a", "d", "mu_r", "mu_v"} {
		if _, ok := fields[h]; !ok {
			return nil, fmt.Errorf("expecting field %q", h)
		}
	}

	var muts []*Mutation
	for {
		row, err := tab.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		ln, _ := tab.FieldPos(0)
		if err != nil {
			return nil, fmt.Errorf("on row %d: %v", ln, err)
		}

		m := &Mutation{
			ID:  strings.TrimSpace(row[fields["id"]]),
			Key: strings.TrimSpace(row[fields["gene"]]),
		}
		if m.ID == "" || m.Key == "" {
			return nil, fmt.Errorf("on row %d: empty id or gene", ln)
		}
		m.Symbol, m.Chrom, m.Pos, m.Change = ParseGene(m.Key)

		f := "a"
		if m.Ref, err = parseCounts(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		f = "d"
		if m.Total, err = parseCounts(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		if len(m.Ref) != len(m.Total) {
			return nil, fmt.Errorf("on row %d: %d reference counts but %d totals", ln, len(m.Ref), len(m.Total))
		}
		for i := range m.Ref {
			if m.Ref[i] > m.Total[i] {
				return nil, fmt.Errorf("on row %d: reference count %d exceeds depth %d", ln, m.Ref[i], m.Total[i])
			}
		}

		f = "mu_r"
		if m.MuR, err = parseRate(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		f = "mu_v"
		if m.MuV, err = parseRate(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		muts = append(muts, m)
	}
	if len(muts) == 0 {
		return nil, errors.New("no mutations")
	}
	return NewTable(muts)
}

// ReadFile reads an SSM table from a file.
func ReadFile(name string) (*Table, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	t, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("while reading %q: %w", name, err)
	}
	log.Infof("Read %d mutations from %s", t.Len(), name)
	return t, nil
}

func parseCounts(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	res := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		if v < 0 {
			return nil, fmt.Errorf("negative count %d", v)
		}
		res[i] = v
	}
	return res, nil
}

func parseRate(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 1 {
		return 0, fmt.Errorf("rate %v out of [0, 1]", v)
	}
	return v, nil
}
