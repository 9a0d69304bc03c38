package profiling

import (
	"bytes"
	"time"

	"github.com/google/pprof/profile"

	"github.com/Emyrk/callhook/hook/callsite"
	"github.com/Emyrk/callhook/hook/clock"
	"github.com/Emyrk/callhook/hook/table"
)

const (
	SampleTypeWall  = "wall"
	SampleTypeCalls = "calls"
)

// Converter turns aggregation table items into a pprof profile. Items are
// flat: each call site becomes a single location sample holding its
// inclusive wall time and call count.
type Converter struct {
	fid       uint64
	functions map[string]*profile.Function
	locations map[string]*profile.Location

	protobuf *profile.Profile
}

// New starts a profile whose samples were collected from start onward.
func New(start time.Time) *Converter {
	return &Converter{
		functions: make(map[string]*profile.Function),
		locations: make(map[string]*profile.Location),
		protobuf: &profile.Profile{
			SampleType: []*profile.ValueType{
				{Type: SampleTypeWall, Unit: "nanoseconds"},
				{Type: SampleTypeCalls, Unit: "count"},
			},
			DefaultSampleType: SampleTypeWall,
			Sample:            []*profile.Sample{},
			Mapping:           []*profile.Mapping{},
			Location:          []*profile.Location{},
			Function:          []*profile.Function{},
			Comments:          []string{"inclusive wall time per call site"},
			TimeNanos:         start.UnixNano(),
		},
	}
}

// Convert adds items to the profile. elapsed is the session duration.
func (c *Converter) Convert(items []table.Item, elapsed clock.Duration) *profile.Profile {
	for _, it := range items {
		_, loc := c.function(it.Key)
		c.protobuf.Sample = append(c.protobuf.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{int64(it.Total.Std()), it.Calls},
		})
	}
	c.protobuf.DurationNanos = int64(elapsed.Std())
	return c.protobuf
}

// Encode writes the gzipped profile proto.
func (c *Converter) Encode() ([]byte, error) {
	var buf bytes.Buffer
	err := c.protobuf.Write(&buf)
	return buf.Bytes(), err
}

func (c *Converter) function(key string) (*profile.Function, *profile.Location) {
	if fn, found := c.functions[key]; found {
		return fn, c.locations[key]
	}

	site := callsite.Parse(key)
	line := int64(site.Line)
	if line < 0 {
		line = 0
	}

	c.fid++
	fn := &profile.Function{
		ID:         c.fid,
		Name:       key,
		SystemName: site.Name,
		Filename:   site.Source,
		StartLine:  line,
	}
	c.functions[key] = fn
	c.protobuf.Function = append(c.protobuf.Function, fn)

	loc := &profile.Location{
		ID: c.fid,
		Line: []profile.Line{
			{
				Function: fn,
				Line:     fn.StartLine,
			},
		},
	}
	c.locations[key] = loc
	c.protobuf.Location = append(c.protobuf.Location, loc)
	return fn, loc
}

// FindFunction returns the function of the location with the given id.
func FindFunction(p *profile.Profile, locID uint64) *profile.Function {
	for _, loc := range p.Location {
		if loc.ID != locID || len(loc.Line) == 0 {
			continue
		}
		return loc.Line[0].Function
	}
	return nil
}
