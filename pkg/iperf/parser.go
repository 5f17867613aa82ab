package iperf

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ystartgo/iperfx/pkg/iperf/model"
	"github.com/ystartgo/iperfx/pkg/iperf/spec"
)

// Parser converts the streaming output of an iperf3 subprocess into an
// ordered sequence of Samples. It accepts all three output shapes the
// tool produces: one JSON object per line (--json-stream), a single
// pretty-printed JSON document spanning many lines (-J), and the default
// human-readable interval lines.
//
// JSON objects are accumulated across line boundaries until their braces
// balance, so a fragment truncated at a buffer boundary never yields a
// spurious sample and is completed once the remainder arrives. Lines that
// decode to nothing usable are counted, logged and skipped; they are
// never fatal to the run.
//
// A Parser is owned by a single reader goroutine and is not safe for
// concurrent use.
type Parser struct {
	// pending JSON object accumulation state.
	buf      strings.Builder
	depth    int
	inString bool
	escaped  bool

	// text-mode interval grouping: a parallel run prints one line per
	// stream plus a [SUM] line for the same window, and only one of the
	// two shapes may be emitted.
	textPending []model.Sample
	textSums    []model.Sample
	textStart   float64
	textEnd     float64

	summary  *model.Summary
	runError string
	version  string

	samples   int
	malformed int
}

// NewParser returns a Parser with empty state. A new run needs a new
// Parser; the sample stream is not restartable.
func NewParser() *Parser {
	return &Parser{}
}

// Line feeds one line of subprocess output to the parser and returns the
// samples it completed, in input order. Most lines return zero or one
// sample; a full -J document returns one sample per interval record.
func (p *Parser) Line(line string) []model.Sample {
	trimmed := strings.TrimSpace(line)
	if p.depth == 0 && !strings.HasPrefix(trimmed, "{") {
		return p.textLine(trimmed)
	}

	complete := p.accumulate(line)
	if !complete {
		return nil
	}
	obj := p.buf.String()
	p.buf.Reset()
	return p.object(obj)
}

// Flush finalizes the parser at end of stream and returns any samples
// still held back by text-mode interval grouping. An unterminated JSON
// fragment is counted as malformed and discarded.
func (p *Parser) Flush() []model.Sample {
	if p.depth != 0 || p.buf.Len() > 0 {
		p.skip("unterminated JSON fragment at end of stream")
		p.reset()
	}
	return p.flushTextGroup()
}

// Summary returns the end-of-run aggregate, if one was parsed.
func (p *Parser) Summary() (model.Summary, bool) {
	if p.summary == nil {
		return model.Summary{}, false
	}
	return *p.summary, true
}

// RunError returns the "error" field reported by iperf3, if any.
func (p *Parser) RunError() string { return p.runError }

// ToolVersion returns the iperf3 version string from the start record.
func (p *Parser) ToolVersion() string { return p.version }

// Counts returns the number of samples produced and lines/objects skipped
// as malformed.
func (p *Parser) Counts() (samples, malformed int) {
	return p.samples, p.malformed
}

// accumulate appends a line to the pending JSON object, tracking brace
// depth outside of string literals. It reports whether the object is
// complete.
func (p *Parser) accumulate(line string) bool {
	if p.buf.Len() > 0 {
		p.buf.WriteByte('\n')
	}
	p.buf.WriteString(line)
	for i := 0; i < len(line); i++ {
		c := line[i]
		if p.inString {
			switch {
			case p.escaped:
				p.escaped = false
			case c == '\\':
				p.escaped = true
			case c == '"':
				p.inString = false
			}
			continue
		}
		switch c {
		case '"':
			p.inString = true
		case '{':
			p.depth++
		case '}':
			p.depth--
			if p.depth < 0 {
				p.skip("unbalanced JSON braces")
				p.reset()
				return false
			}
		}
	}
	return p.depth == 0 && p.buf.Len() > 0
}

func (p *Parser) reset() {
	p.buf.Reset()
	p.depth = 0
	p.inString = false
	p.escaped = false
}

// streamEvent is the envelope used by iperf3 --json-stream: one object
// per line, wrapping the record kind and its payload.
type streamEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// object decodes one complete JSON object.
func (p *Parser) object(obj string) []model.Sample {
	var ev streamEvent
	if err := json.Unmarshal([]byte(obj), &ev); err != nil {
		p.skip("undecodable JSON object: " + err.Error())
		return nil
	}
	if ev.Event != "" {
		return p.event(ev)
	}

	// Not an event envelope: either a full -J document or nothing we
	// understand.
	var doc model.Document
	if err := json.Unmarshal([]byte(obj), &doc); err != nil {
		p.skip("undecodable JSON document: " + err.Error())
		return nil
	}
	if doc.Error != "" {
		p.runError = doc.Error
		return nil
	}
	if len(doc.Intervals) == 0 && doc.End.Sum == nil &&
		doc.End.SumSent == nil && len(doc.End.Streams) == 0 {
		p.skip("JSON object with no intervals or summary")
		return nil
	}
	if doc.Start.Version != "" {
		p.version = doc.Start.Version
	}
	var out []model.Sample
	for _, iv := range doc.Intervals {
		out = append(out, p.intervalSamples(iv)...)
	}
	p.endSummary(doc.End)
	return out
}

func (p *Parser) event(ev streamEvent) []model.Sample {
	switch ev.Event {
	case "start":
		var start model.Start
		if err := json.Unmarshal(ev.Data, &start); err == nil {
			p.version = start.Version
		}
		return nil
	case "interval":
		var iv model.Interval
		if err := json.Unmarshal(ev.Data, &iv); err != nil {
			p.skip("undecodable interval event: " + err.Error())
			return nil
		}
		return p.intervalSamples(iv)
	case "end":
		var end model.End
		if err := json.Unmarshal(ev.Data, &end); err != nil {
			p.skip("undecodable end event: " + err.Error())
			return nil
		}
		p.endSummary(end)
		return nil
	case "error":
		var msg string
		if err := json.Unmarshal(ev.Data, &msg); err != nil {
			msg = string(ev.Data)
		}
		p.runError = msg
		return nil
	default:
		// Unknown event kinds (e.g. "connected") carry no samples.
		return nil
	}
}

// intervalSamples maps one interval record to samples, one per series
// present: sum, sum_sent, sum_received. Omitted intervals (the -O
// warmup) are dropped.
func (p *Parser) intervalSamples(iv model.Interval) []model.Sample {
	now := time.Now()
	var out []model.Sample
	add := func(series spec.Series, st *model.StreamStat) {
		if st == nil || st.Omitted {
			return
		}
		p.samples++
		out = append(out, model.Sample{
			Series:        series,
			Start:         st.Start,
			End:           st.End,
			Bytes:         st.Bytes,
			BitsPerSecond: st.BitsPerSecond,
			Retransmits:   st.Retransmits,
			JitterMs:      st.JitterMs,
			LostPercent:   st.LostPercent,
			ParsedAt:      now,
		})
	}
	add(spec.SeriesDefault, iv.Sum)
	add(spec.SeriesSent, iv.SumSent)
	add(spec.SeriesReceived, iv.SumReceived)
	return out
}

func (p *Parser) endSummary(end model.End) {
	s := model.Summary{}
	seen := false
	if end.SumSent != nil {
		s.SentBytes = end.SumSent.Bytes
		s.SentBitsPerSecond = end.SumSent.BitsPerSecond
		s.Retransmits = end.SumSent.Retransmits
		seen = true
	}
	if end.SumReceived != nil {
		s.ReceivedBytes = end.SumReceived.Bytes
		s.ReceivedBitsPerSecond = end.SumReceived.BitsPerSecond
		seen = true
	}
	// UDP runs report a single "sum" with jitter and loss.
	if end.Sum != nil {
		if !seen {
			s.SentBytes = end.Sum.Bytes
			s.SentBitsPerSecond = end.Sum.BitsPerSecond
			s.ReceivedBytes = end.Sum.Bytes
			s.ReceivedBitsPerSecond = end.Sum.BitsPerSecond
		}
		s.JitterMs = end.Sum.JitterMs
		s.LostPackets = end.Sum.LostPackets
		s.LostPercent = end.Sum.LostPercent
		seen = true
	}
	if seen {
		p.summary = &s
	}
}

// intervalLineRE matches the default human-readable interval report, e.g.
// "[  5]   0.00-0.50   sec  58.8 MBytes   986 Mbits/sec    0    445 KBytes".
var intervalLineRE = regexp.MustCompile(
	`(\d+\.\d+)-(\d+\.\d+)\s+sec\s+([\d.]+)\s+([KMG]?)Bytes\s+([\d.]+)\s+([KMG]?)bits/sec`)

var bitUnits = map[string]float64{"": 1, "K": 1e3, "M": 1e6, "G": 1e9}
var byteUnits = map[string]float64{"": 1, "K": 1 << 10, "M": 1 << 20, "G": 1 << 30}

// textLine parses one human-readable output line. Interval lines become
// samples; the sender/receiver summary lines at the end of a run feed the
// summary. Everything else (headers, separators, connection info) is
// ignored without being counted as malformed.
//
// Interval lines are held until their time window closes: a parallel run
// prints one line per stream followed by a [SUM] line for the same
// window, and only the [SUM] lines count, or the per-stream lines would
// be double-counted against the aggregate.
func (p *Parser) textLine(line string) []model.Sample {
	if line == "" || !strings.Contains(line, "bits/sec") {
		if strings.HasPrefix(line, "iperf3: error") {
			p.runError = strings.TrimSpace(strings.TrimPrefix(line, "iperf3: error -"))
		}
		return nil
	}
	m := intervalLineRE.FindStringSubmatch(line)
	if m == nil {
		p.skip("unparseable throughput line")
		return nil
	}
	start, err1 := strconv.ParseFloat(m[1], 64)
	end, err2 := strconv.ParseFloat(m[2], 64)
	transferred, err3 := strconv.ParseFloat(m[3], 64)
	rate, err4 := strconv.ParseFloat(m[5], 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		p.skip("unparseable throughput line")
		return nil
	}
	bits := rate * bitUnits[m[6]]
	bytes := int64(transferred * byteUnits[m[4]])

	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "sender"):
		out := p.flushTextGroup()
		if p.summary == nil {
			p.summary = &model.Summary{}
		}
		p.summary.SentBytes = bytes
		p.summary.SentBitsPerSecond = bits
		return out
	case strings.Contains(lower, "receiver"):
		out := p.flushTextGroup()
		if p.summary == nil {
			p.summary = &model.Summary{}
		}
		p.summary.ReceivedBytes = bytes
		p.summary.ReceivedBitsPerSecond = bits
		return out
	}

	s := model.Sample{
		Series:        spec.SeriesDefault,
		Start:         start,
		End:           end,
		Bytes:         bytes,
		BitsPerSecond: bits,
		ParsedAt:      time.Now(),
	}
	var out []model.Sample
	if start != p.textStart || end != p.textEnd {
		out = p.flushTextGroup()
		p.textStart, p.textEnd = start, end
	}
	if strings.HasPrefix(line, "[SUM]") {
		p.textSums = append(p.textSums, s)
	} else {
		p.textPending = append(p.textPending, s)
	}
	return out
}

// flushTextGroup closes the current text interval window: the [SUM]
// samples win when present, otherwise every per-stream sample stands for
// itself (a single-stream run prints no [SUM] line).
func (p *Parser) flushTextGroup() []model.Sample {
	var out []model.Sample
	switch {
	case len(p.textSums) > 0:
		out = p.textSums
	case len(p.textPending) > 0:
		out = p.textPending
	default:
		return nil
	}
	p.samples += len(out)
	p.textSums = nil
	p.textPending = nil
	return out
}

func (p *Parser) skip(reason string) {
	p.malformed++
	log.Debug("skipping malformed output", "reason", reason)
}
