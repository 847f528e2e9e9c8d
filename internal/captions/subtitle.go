package captions

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/snarg/subcheck/internal/align"
)

// ParseSubtitles reads SRT or WebVTT cues. Both share the
// "start --> end" timing line; numeric ids, WEBVTT headers, NOTE and STYLE
// blocks are skipped.
func ParseSubtitles(r io.Reader) ([]align.Cue, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	var (
		cues    []align.Cue
		cur     *align.Cue
		text    []string
		lineNum int
	)
	flush := func() {
		if cur != nil {
			cur.Text = strings.Join(text, " ")
			cues = append(cues, *cur)
		}
		cur, text = nil, text[:0]
	}

	for sc.Scan() {
		lineNum++
		line := strings.TrimSpace(strings.TrimPrefix(sc.Text(), "\ufeff"))
		switch {
		case line == "":
			flush()
		case strings.Contains(line, "-->"):
			flush()
			start, end, err := parseTiming(line)
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNum, err)
			}
			cur = &align.Cue{Start: start, End: end}
		case cur != nil:
			text = append(text, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read subtitles: %w", err)
	}
	flush()
	return CleanCues(cues), nil
}

// ReadSubtitleFile parses an .srt or .vtt file.
func ReadSubtitleFile(path string) ([]align.Cue, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseSubtitles(f)
}

// IsSubtitleFile reports whether path has a subtitle extension.
func IsSubtitleFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".srt", ".vtt":
		return true
	}
	return false
}

func parseTiming(line string) (float64, float64, error) {
	parts := strings.SplitN(line, "-->", 2)
	start, err := parseTimestamp(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	// VTT cue settings may follow the end time.
	endField := strings.Fields(parts[1])
	if len(endField) == 0 {
		return 0, 0, fmt.Errorf("missing end time")
	}
	end, err := parseTimestamp(endField[0])
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("end %v before start %v", end, start)
	}
	return start, end, nil
}

// parseTimestamp accepts hh:mm:ss,mmm, hh:mm:ss.mmm and mm:ss.mmm.
func parseTimestamp(s string) (float64, error) {
	s = strings.Replace(s, ",", ".", 1)
	fields := strings.Split(s, ":")
	if len(fields) < 2 || len(fields) > 3 {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	var total float64
	for _, f := range fields[:len(fields)-1] {
		n, err := strconv.Atoi(f)
		if err != nil {
			return 0, fmt.Errorf("invalid timestamp %q", s)
		}
		total = total*60 + float64(n)
	}
	sec, err := strconv.ParseFloat(fields[len(fields)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid timestamp %q", s)
	}
	return total*60 + sec, nil
}

// FormatSRTTime renders seconds as hh:mm:ss,mmm.
func FormatSRTTime(sec float64) string {
	if sec < 0 {
		sec = 0
	}
	ms := int64(sec*1000 + 0.5)
	h := ms / 3_600_000
	m := ms / 60_000 % 60
	s := ms / 1000 % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}
