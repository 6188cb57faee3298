// Package ddpcr reads longitudinal droplet digital PCR measurements.
package ddpcr

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("ddpcr")

// DateLayout is the layout of date timepoints.
const DateLayout = "2006-01-02"

// Measurement is a single ddPCR readout of one marker.
type Measurement struct {
	Timepoint string `json:"timepoint"`
	Marker    string `json:"marker"`
	Mutant    int    `json:"mutant"`
	Total     int    `json:"total"`
}

// VAF returns the measured variant allele frequency.
func (m Measurement) VAF() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Mutant) / float64(m.Total)
}

// Series holds measurements grouped by timepoint.
type Series struct {
	timepoints []string
	data       map[string]map[string]Measurement
}

// Timepoints returns the ordered timepoints.
func (s *Series) Timepoints() []string {
	return s.timepoints
}

// At returns the measurements of a timepoint keyed by marker.
func (s *Series) At(tp string) map[string]Measurement {
	return s.data[tp]
}

// Get returns a single measurement.
func (s *Series) Get(tp, marker string) (Measurement, bool) {
	m, ok := s.data[tp][marker]
	return m, ok
}

// Markers returns all markers measured at least once, sorted.
func (s *Series) Markers() []string {
	seen := make(map[string]bool)
	for _, ms := range s.data {
		for k := range ms {
			seen[k] = true
		}
	}
	res := make([]string, 0, len(seen))
	for k := range seen {
		res = append(res, k)
	}
	sort.Strings(res)
	return res
}

// Filter keeps only the listed timepoints, preserving order. Unknown
// timepoints are reported.
func (s *Series) Filter(tps []string) (*Series, error) {
	if len(tps) == 0 {
		return s, nil
	}
	keep := make(map[string]bool, len(tps))
	for _, tp := range tps {
		if _, ok := s.data[tp]; !ok {
			return nil, fmt.Errorf("timepoint %q not in longitudinal data", tp)
		}
		keep[tp] = true
	}
	n := &Series{data: make(map[string]map[string]Measurement)}
	for _, tp := range s.timepoints {
		if keep[tp] {
			n.timepoints = append(n.timepoints, tp)
			n.data[tp] = s.data[tp]
		}
	}
	return n, nil
}

// NewSeries groups measurements by timepoint. Rows for the same
// timepoint and marker are summed.
func NewSeries(ms []Measurement) *Series {
	s := &Series{data: make(map[string]map[string]Measurement)}
	for _, m := range ms {
		byMarker, ok := s.data[m.Timepoint]
		if !ok {
			byMarker = make(map[string]Measurement)
			s.data[m.Timepoint] = byMarker
			s.timepoints = append(s.timepoints, m.Timepoint)
		}
		if old, ok := byMarker[m.Marker]; ok {
			log.Debugf("Merging repeated measurement of %s at %s", m.Marker, m.Timepoint)
			m.Mutant += old.Mutant
			m.Total += old.Total
		}
		byMarker[m.Marker] = m
	}
	sortTimepoints(s.timepoints)
	return s
}

// sortTimepoints orders by date when all timepoints are dates,
// lexicographically otherwise.
func sortTimepoints(tps []string) {
	dates := make(map[string]time.Time, len(tps))
	for _, tp := range tps {
		d, err := time.Parse(DateLayout, tp)
		if err != nil {
			sort.Strings(tps)
			return
		}
		dates[tp] = d
	}
	sort.Slice(tps, func(i, j int) bool {
		return dates[tps[i]].Before(dates[tps[j]])
	})
}

// Read reads a longitudinal table. Fields are date (or timepoint),
// gene, mutant_droplets and total_droplets. comma selects the field
// separator.
func Read(r io.Reader, comma rune) (*Series, error) {
	tab := csv.NewReader(r)
	tab.Comma = comma
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
	tpField := "date"
	if _, ok := fields[tpField]; !ok {
		tpField = "timepoint"
	}
	for _, h := range []string{tpField, "gene", "mutant_droplets", "total_droplets"} {
		if _, ok := fields[h]; !ok {
			return nil, fmt.Errorf("expecting field %q", h)
		}
	}

	var ms []Measurement
	for {
		row, err := tab.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		ln, _ := tab.FieldPos(0)
		if err != nil {
			return nil, fmt.Errorf("on row %d: %v", ln, err)
		}

		m := Measurement{
			Timepoint: strings.TrimSpace(row[fields[tpField]]),
			Marker:    strings.TrimSpace(row[fields["gene"]]),
		}
		if m.Timepoint == "" || m.Marker == "" {
			continue
		}
		f := "mutant_droplets"
		if m.Mutant, err = parseCount(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		f = "total_droplets"
		if m.Total, err = parseCount(row[fields[f]]); err != nil {
			return nil, fmt.Errorf("on row %d: field %q: %v", ln, f, err)
		}
		if m.Total == 0 {
			log.Warningf("Row %d: zero total droplets for %s at %s, skipped", ln, m.Marker, m.Timepoint)
			continue
		}
		if m.Mutant > m.Total {
			return nil, fmt.Errorf("on row %d: mutant droplets %d exceed total %d", ln, m.Mutant, m.Total)
		}
		ms = append(ms, m)
	}
	if len(ms) == 0 {
		return nil, errors.New("no measurements")
	}
	return NewSeries(ms), nil
}

// ReadFile reads a longitudinal table; files ending in .tsv or .txt
// are tab separated, others comma separated.
func ReadFile(name string) (*Series, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	comma := ','
	switch strings.ToLower(filepath.Ext(name)) {
	case ".tsv", ".txt", ".tab":
		comma = '\t'
	}
	s, err := Read(f, comma)
	if err != nil {
		return nil, fmt.Errorf("while reading %q: %w", name, err)
	}
	log.Infof("Read %d timepoints from %s", len(s.Timepoints()), name)
	return s, nil
}

func parseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	v, err := strconv.Atoi(s)
	if err != nil {
		// Some exports write counts as floats.
		fv, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || fv != float64(int(fv)) {
			return 0, err
		}
		v = int(fv)
	}
	if v < 0 {
		return 0, fmt.Errorf("negative count %d", v)
	}
	return v, nil
}
