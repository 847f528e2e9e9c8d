package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/snarg/subcheck/internal/captions"
	"github.com/snarg/subcheck/internal/scoring"
)

// MetricPlaces is the precision of metrics in exported reports.
const MetricPlaces = 4

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

func percent(v float64) string {
	return decimal.NewFromFloat(v*100).StringFixed(2) + "%"
}

// Rounded returns a copy with metrics rounded to MetricPlaces. The
// unavailable sentinel is kept as is.
func (r *Report) Rounded() *Report {
	out := *r
	out.Chunks = make([]Chunk, len(r.Chunks))
	for i, c := range r.Chunks {
		if c.Comparison != nil {
			cmp := roundResult(*c.Comparison)
			c.Comparison = &cmp
		}
		out.Chunks[i] = c
	}
	s := r.Summary
	for _, p := range []*float64{
		&s.AvgWER, &s.MinWER, &s.MaxWER, &s.StdWER,
		&s.AvgCER, &s.MinCER, &s.MaxCER, &s.StdCER,
		&s.AvgSemantic, &s.AvgHybrid,
	} {
		*p = round(*p, MetricPlaces)
	}
	out.Summary = s
	out.ProcessingTime = round(r.ProcessingTime, 2)
	return &out
}

func roundResult(res scoring.Result) scoring.Result {
	res.WER = round(res.WER, MetricPlaces)
	res.CER = round(res.CER, MetricPlaces)
	if res.HasSemantic() {
		res.SemanticSimilarity = round(res.SemanticSimilarity, MetricPlaces)
		res.HybridScore = round(res.HybridScore, MetricPlaces)
	}
	return res
}

// WriteJSON writes the rounded report as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r.Rounded()); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// ReadJSON decodes a report written by WriteJSON.
func ReadJSON(rd io.Reader) (*Report, error) {
	var r Report
	if err := json.NewDecoder(rd).Decode(&r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

// WriteSRT writes the deduplicated transcripts as subtitles, one cue per
// chunk. Chunks without text are skipped.
func WriteSRT(w io.Writer, r *Report) error {
	n := 0
	for _, c := range r.Chunks {
		if c.Transcript == nil || strings.TrimSpace(c.Transcript.Text) == "" {
			continue
		}
		n++
		_, err := fmt.Fprintf(w, "%d\n%s --> %s\n%s\n\n",
			n, captions.FormatSRTTime(c.Start), captions.FormatSRTTime(c.End), c.Transcript.Text)
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteText writes a human-readable summary and per-chunk table.
func WriteText(w io.Writer, r *Report) error {
	s := r.Summary
	var b strings.Builder
	fmt.Fprintf(&b, "Job:             %s\n", r.JobID)
	fmt.Fprintf(&b, "Source:          %s\n", r.Source)
	if r.Title != "" {
		fmt.Fprintf(&b, "Title:           %s\n", r.Title)
	}
	fmt.Fprintf(&b, "Duration:        %ss\n", decimal.NewFromFloat(r.Duration).StringFixed(1))
	fmt.Fprintf(&b, "Model:           %s\n", r.Model)
	fmt.Fprintf(&b, "Language:        %s\n", r.Language)
	fmt.Fprintf(&b, "Chunks:          %d (%d scored)\n", s.TotalChunks, s.ScoredChunks)
	fmt.Fprintf(&b, "Processing time: %ss\n", decimal.NewFromFloat(r.ProcessingTime).StringFixed(1))
	b.WriteString("\n")

	if s.ScoredChunks == 0 {
		b.WriteString("No comparison results.\n")
	} else {
		fmt.Fprintf(&b, "Average WER:     %s (min %s, max %s, std %s)\n",
			percent(s.AvgWER), percent(s.MinWER), percent(s.MaxWER), percent(s.StdWER))
		fmt.Fprintf(&b, "Average CER:     %s (min %s, max %s, std %s)\n",
			percent(s.AvgCER), percent(s.MinCER), percent(s.MaxCER), percent(s.StdCER))
		if s.SemanticChunks > 0 {
			fmt.Fprintf(&b, "Semantic:        %s\n", percent(s.AvgSemantic))
			fmt.Fprintf(&b, "Hybrid score:    %s\n", percent(s.AvgHybrid))
		}
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(&b, "Warning: %s\n", warn)
	}
	b.WriteString("\n")
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSTART\tEND\tSTATE\tWER\tCER\tSEMANTIC\tHYBRID")
	for _, c := range r.Chunks {
		wer, cer, sem, hyb := "-", "-", "-", "-"
		if cmp := c.Comparison; cmp != nil {
			wer, cer = percent(cmp.WER), percent(cmp.CER)
			if cmp.HasSemantic() {
				sem, hyb = percent(cmp.SemanticSimilarity), percent(cmp.HybridScore)
			}
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", c.Index,
			decimal.NewFromFloat(c.Start).StringFixed(2), decimal.NewFromFloat(c.End).StringFixed(2),
			c.State, wer, cer, sem, hyb)
	}
	return tw.Flush()
}
