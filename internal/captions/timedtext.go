package captions

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/snarg/subcheck/internal/align"
)

// srv3 format: <timedtext><body><p t="ms" d="ms"><s>word</s>...</p></body></timedtext>
type srv3Doc struct {
	XMLName xml.Name `xml:"timedtext"`
	Paras   []struct {
		Start    int64  `xml:"t,attr"`
		Duration int64  `xml:"d,attr"`
		Text     string `xml:",chardata"`
		Segments []struct {
			Text string `xml:",chardata"`
		} `xml:"s"`
	} `xml:"body>p"`
}

// legacy format: <transcript><text start="s" dur="s">...</text></transcript>
type legacyDoc struct {
	XMLName xml.Name `xml:"transcript"`
	Texts   []struct {
		Start    float64 `xml:"start,attr"`
		Duration float64 `xml:"dur,attr"`
		Text     string  `xml:",chardata"`
	} `xml:"text"`
}

// ParseTimedText parses a YouTube timedtext document in either the srv3 or
// the legacy transcript layout. Cue text is cleaned.
func ParseTimedText(data []byte) ([]align.Cue, error) {
	var probe struct{ XMLName xml.Name }
	if err := xml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("timedtext parse: %w", err)
	}

	var cues []align.Cue
	switch probe.XMLName.Local {
	case "timedtext":
		var doc srv3Doc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("timedtext parse: %w", err)
		}
		for _, p := range doc.Paras {
			text := p.Text
			if len(p.Segments) > 0 {
				var b strings.Builder
				for _, s := range p.Segments {
					b.WriteString(s.Text)
				}
				text = b.String()
			}
			start := float64(p.Start) / 1000
			cues = append(cues, align.Cue{Text: text, Start: start, End: start + float64(p.Duration)/1000})
		}
	case "transcript":
		var doc legacyDoc
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("timedtext parse: %w", err)
		}
		for _, t := range doc.Texts {
			cues = append(cues, align.Cue{Text: t.Text, Start: t.Start, End: t.Start + t.Duration})
		}
	default:
		return nil, fmt.Errorf("timedtext parse: unexpected root element %q", probe.XMLName.Local)
	}
	return CleanCues(cues), nil
}
