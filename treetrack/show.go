package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/masephi/treetrack/checkpoint"
	"github.com/masephi/treetrack/ensemble"
)

// show prints the metadata and timepoint records of a checkpoint. With
// a tree distribution the dominant tree of the last record is printed.
func show(w io.Writer, path string, weights bool, trees string) error {
	s, err := checkpoint.OpenReadOnly(path)
	if err != nil {
		return err
	}
	defer s.Close()

	if m := s.Meta(); m != nil {
		fmt.Fprintf(w, "run %s\npatient %s, %s mode\nstarted %s, updated %s, complete: %v\n\n",
			m.RunID, m.PatientID, m.Mode,
			m.Started.Format(time.RFC3339), m.Updated.Format(time.RFC3339), m.Complete)
	}

	recs, err := s.Records()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "#\ttimepoint\tstatus\tmarkers\tused\tentropy")
	for _, r := range recs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%.4f\n",
			r.Index, r.Timepoint, r.Status,
			strings.Join(r.Markers, ","), strings.Join(r.Used, ","), r.Entropy)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if weights {
		fmt.Fprintln(w)
		for _, r := range recs {
			ws := make([]string, len(r.Weights))
			for i, x := range r.Weights {
				ws[i] = fmt.Sprintf("%.4g", x)
			}
			fmt.Fprintf(w, "%s\t%s\n", r.Timepoint, strings.Join(ws, "\t"))
		}
	}

	if trees == "" || len(recs) == 0 {
		return nil
	}
	ens, err := ensemble.ReadFile(trees)
	if err != nil {
		return err
	}
	last := recs[len(recs)-1]
	if ens, err = ens.Reweight(last.Weights); err != nil {
		return err
	}
	i, top := ens.Dominant()
	fmt.Fprintf(w, "\ndominant tree %d after %s (weight %.4f)\n%s\n", i, last.Timepoint, top, ens.Tree(i).FullString())
	return nil
}
