// Package eventlog reads recorded host notifications and replays them into a
// session. The same record shape is used on the websocket ingest.
package eventlog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Emyrk/callhook/hook"
	"github.com/Emyrk/callhook/hook/callsite"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/table"
)

const (
	OpCall   = "call"
	OpTail   = "tail"
	OpReturn = "return"
	OpStart  = "start"
	OpStop   = "stop"
	OpWipe   = "wipe"
)

// Record is one line of a trace.
type Record struct {
	Op     string `json:"op" yaml:"op"`
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Line is the line of definition, nil when unknown.
	Line     *int   `json:"line,omitempty" yaml:"line,omitempty"`
	Name     string `json:"name,omitempty" yaml:"name,omitempty"`
	Identity uint64 `json:"identity,omitempty" yaml:"identity,omitempty"`
	Stream   string `json:"stream,omitempty" yaml:"stream,omitempty"`
	// At is the simulated time in seconds since the trace began. Only used
	// when replaying against a mock clock.
	At *float64 `json:"at,omitempty" yaml:"at,omitempty"`
	// ObscureAnonymous applies to start records.
	ObscureAnonymous bool `json:"obscure_anonymous,omitempty" yaml:"obscure_anonymous,omitempty"`
}

func (r Record) DebugInfo() callsite.DebugInfo {
	line := callsite.LineUnknown
	if r.Line != nil {
		line = *r.Line
	}
	return callsite.DebugInfo{
		Source:      r.Source,
		LineDefined: line,
		Name:        r.Name,
		Identity:    uintptr(r.Identity),
	}
}

// Event converts a call/tail/return record. Control records have no event.
func (r Record) Event() (hook.Event, bool) {
	switch r.Op {
	case OpCall, OpTail, OpReturn:
	default:
		return hook.Event{}, false
	}
	kind, err := hook.ParseEventKind(r.Op)
	if err != nil {
		return hook.Event{}, false
	}
	return hook.Event{Kind: kind, Info: r.DebugInfo()}, true
}

func (r Record) Validate() error {
	switch r.Op {
	case OpCall, OpTail, OpReturn, OpStart, OpStop, OpWipe:
	default:
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if r.At != nil {
		switch at := *r.At; {
		case math.IsNaN(at) || math.IsInf(at, 0):
			return fmt.Errorf("time %v is not finite", at)
		case at < 0:
			return fmt.Errorf("negative time %v", at)
		}
	}
	return nil
}

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFromPath guesses the format from a file extension. Unknown
// extensions are treated as JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Decode reads a whole trace. YAML traces are a sequence of records. JSON
// traces are either an array or one object per line.
func Decode(r io.Reader, format Format) ([]Record, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	var records []Record
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &records)
		if err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	case FormatJSON:
		records, err = decodeJSON(data)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", format)
	}

	for i, rec := range records {
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}
	return records, nil
}

func decodeJSON(data []byte) ([]Record, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var records []Record
		err := json.Unmarshal(trimmed, &records)
		if err != nil {
			return nil, fmt.Errorf("unmarshal json array: %w", err)
		}
		return records, nil
	}

	records := make([]Record, 0)
	scanner := bufio.NewScanner(bytes.NewReader(trimmed))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for n := 1; scanner.Scan(); n++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		err := json.Unmarshal(line, &rec)
		if err != nil {
			return nil, fmt.Errorf("unmarshal json line %d: %w", n, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan json lines: %w", err)
	}
	return records, nil
}

// Outcome reports what a control record did.
type Outcome struct {
	Wiped   []table.Item
	Stopped bool
	Elapsed clock.Duration
}

// Apply performs one record. Events go to the record's stream, or to
// stream when the record names none.
func Apply(s *hook.Session, stream string, rec Record) (Outcome, error) {
	if rec.Stream != "" {
		stream = rec.Stream
	}

	switch rec.Op {
	case OpStart:
		s.Start(rec.ObscureAnonymous)
	case OpStop:
		elapsed, err := s.Stop()
		if err != nil {
			return Outcome{}, fmt.Errorf("stop: %w", err)
		}
		return Outcome{Stopped: true, Elapsed: elapsed}, nil
	case OpWipe:
		return Outcome{Wiped: s.Wipe()}, nil
	default:
		e, ok := rec.Event()
		if !ok {
			return Outcome{}, fmt.Errorf("unknown op %q", rec.Op)
		}
		s.Stream(stream).Dispatch(e)
	}
	return Outcome{}, nil
}

// Result collects the outcomes of a replay.
type Result struct {
	Records int
	Wipes   [][]table.Item
	Stops   []clock.Duration
}

// Replay applies records in order. Records with a time move mock to that
// time first, records without one happen at the previous record's time.
func Replay(s *hook.Session, mock *clock.Mock, records []Record) (Result, error) {
	var res Result
	for i, rec := range records {
		if rec.At != nil && mock != nil {
			mock.Set(clock.Timestamp{}.Add(clock.FromSeconds(*rec.At)))
		}

		out, err := Apply(s, hook.DefaultStream, rec)
		if err != nil {
			return res, fmt.Errorf("record %d: %w", i, err)
		}
		res.Records++
		if out.Wiped != nil {
			res.Wipes = append(res.Wipes, out.Wiped)
		}
		if out.Stopped {
			res.Stops = append(res.Stops, out.Elapsed)
		}
	}
	return res, nil
}
