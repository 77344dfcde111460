package pipeline

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrInvalidOptions is returned by Build for any malformed option set.
var ErrInvalidOptions = errors.New("invalid compression options")

// StepKind identifies a backend operation.
type StepKind string

const (
	StepResize   StepKind = "resize"
	StepConvert  StepKind = "convert"
	StepPreserve StepKind = "preserve"
)

// ResizeStep is the wire form of a resize operation.
type ResizeStep struct {
	Method ResizeMethod `json:"method"`
	Width  int          `json:"width,omitempty"`
	Height int          `json:"height,omitempty"`
}

// ConvertStep is the wire form of a convert operation. Type holds either a
// single mime type or a list of candidates.
type ConvertStep struct {
	Types      []string `json:"-"`
	Background string   `json:"-"`
}

// MarshalJSON emits "type" as a string for one candidate and as an array
// for several.
func (c ConvertStep) MarshalJSON() ([]byte, error) {
	out := struct {
		Type       any    `json:"type"`
		Background string `json:"background,omitempty"`
	}{Background: c.Background}

	if len(c.Types) == 1 {
		out.Type = c.Types[0]
	} else {
		out.Type = c.Types
	}
	return json.Marshal(out)
}

// Step is one operation of a Request. Exactly one payload field is set,
// matching Kind.
type Step struct {
	Kind     StepKind
	Resize   *ResizeStep
	Convert  *ConvertStep
	Preserve []MetadataKind
}

func (s Step) payload() any {
	switch s.Kind {
	case StepResize:
		return s.Resize
	case StepConvert:
		return s.Convert
	default:
		return s.Preserve
	}
}

// Request is an ordered, validated list of backend operations.
type Request struct {
	Steps []Step
}

// IsEmpty reports whether the request is a plain recompression.
func (r *Request) IsEmpty() bool {
	return r == nil || len(r.Steps) == 0
}

// Kinds returns the step kinds in execution order.
func (r *Request) Kinds() []StepKind {
	if r == nil {
		return nil
	}
	kinds := make([]StepKind, len(r.Steps))
	for i, s := range r.Steps {
		kinds[i] = s.Kind
	}
	return kinds
}

// Step returns the step of the given kind, if present.
func (r *Request) Step(kind StepKind) (Step, bool) {
	if r != nil {
		for _, s := range r.Steps {
			if s.Kind == kind {
				return s, true
			}
		}
	}
	return Step{}, false
}

// MarshalJSON writes the request as a JSON object whose keys follow step order.
func (r Request) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, s := range r.Steps {
		if i > 0 {
			buf.WriteByte(',')
		}
		val, err := json.Marshal(s.payload())
		if err != nil {
			return nil, fmt.Errorf("marshal %s step: %w", s.Kind, err)
		}
		fmt.Fprintf(&buf, "%q:", s.Kind)
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Fingerprint returns a stable digest of the request, usable as a cache key
// component.
func (r *Request) Fingerprint() string {
	if r.IsEmpty() {
		return "plain"
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "invalid"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Build validates opts and composes the backend request. It never performs
// I/O and only fails with errors wrapping ErrInvalidOptions.
func Build(opts Options) (*Request, error) {
	req := &Request{}

	if opts.Resize != nil {
		step, err := buildResize(*opts.Resize)
		if err != nil {
			return nil, err
		}
		req.Steps = append(req.Steps, step)
	}

	if opts.Convert != nil {
		step, err := buildConvert(*opts.Convert)
		if err != nil {
			return nil, err
		}
		req.Steps = append(req.Steps, step)
	}

	if len(opts.Preserve) > 0 {
		step, err := buildPreserve(opts.Preserve)
		if err != nil {
			return nil, err
		}
		req.Steps = append(req.Steps, step)
	}

	return req, nil
}

func buildResize(o ResizeOptions) (Step, error) {
	if !o.Method.Valid() {
		return Step{}, fmt.Errorf("%w: unknown resize method %q", ErrInvalidOptions, o.Method)
	}
	if o.Width == nil && o.Height == nil {
		return Step{}, fmt.Errorf("%w: resize needs a width or a height", ErrInvalidOptions)
	}
	if o.Width != nil && *o.Width <= 0 {
		return Step{}, fmt.Errorf("%w: width must be positive (got %d)", ErrInvalidOptions, *o.Width)
	}
	if o.Height != nil && *o.Height <= 0 {
		return Step{}, fmt.Errorf("%w: height must be positive (got %d)", ErrInvalidOptions, *o.Height)
	}

	rs := &ResizeStep{Method: o.Method}
	if o.Width != nil {
		rs.Width = *o.Width
	}
	if o.Height != nil {
		rs.Height = *o.Height
	}
	return Step{Kind: StepResize, Resize: rs}, nil
}

func buildConvert(o ConvertOptions) (Step, error) {
	if len(o.Types) == 0 {
		return Step{}, fmt.Errorf("%w: convert needs at least one target type", ErrInvalidOptions)
	}

	types := make([]string, 0, len(o.Types))
	seen := make(map[string]struct{}, len(o.Types))
	smallest := false
	for _, raw := range o.Types {
		t := strings.ToLower(strings.TrimSpace(raw))
		switch t {
		case TypeSmallest:
			smallest = true
		case TypePNG, TypeJPEG, TypeWebP, TypeAVIF:
		default:
			return Step{}, fmt.Errorf("%w: unsupported target type %q", ErrInvalidOptions, raw)
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	if smallest {
		types = []string{TypeSmallest}
	}

	cs := &ConvertStep{Types: types}
	if bg := strings.TrimSpace(o.Background); bg != "" && hasOpaqueTarget(types) {
		if !validBackground(bg) {
			return Step{}, fmt.Errorf("%w: invalid background color %q", ErrInvalidOptions, bg)
		}
		cs.Background = bg
	}
	return Step{Kind: StepConvert, Convert: cs}, nil
}

// hasOpaqueTarget reports whether the chosen types may produce an image
// without alpha, which is when a background color matters.
func hasOpaqueTarget(types []string) bool {
	for _, t := range types {
		if t == TypeJPEG || t == TypeSmallest {
			return true
		}
	}
	return false
}

func validBackground(bg string) bool {
	switch strings.ToLower(bg) {
	case "white", "black":
		return true
	}
	return colorPattern.MatchString(bg)
}

func buildPreserve(kinds []MetadataKind) (Step, error) {
	want := make(map[MetadataKind]struct{}, len(kinds))
	for _, k := range kinds {
		switch k {
		case MetadataCopyright, MetadataCreation, MetadataLocation:
			want[k] = struct{}{}
		default:
			return Step{}, fmt.Errorf("%w: unknown metadata kind %q", ErrInvalidOptions, k)
		}
	}

	ordered := make([]MetadataKind, 0, len(want))
	for _, k := range metadataOrder {
		if _, ok := want[k]; ok {
			ordered = append(ordered, k)
		}
	}
	return Step{Kind: StepPreserve, Preserve: ordered}, nil
}

// ParseMetadataKinds converts user input such as "copyright,location" into
// kinds. Unknown names are rejected.
func ParseMetadataKinds(names []string) ([]MetadataKind, error) {
	var out []MetadataKind
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		switch MetadataKind(n) {
		case MetadataCopyright, MetadataCreation, MetadataLocation:
			out = append(out, MetadataKind(n))
		case "gps":
			out = append(out, MetadataLocation)
		default:
			return nil, fmt.Errorf("%w: unknown metadata kind %q", ErrInvalidOptions, n)
		}
	}
	return out, nil
}
