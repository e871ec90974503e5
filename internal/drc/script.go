// Package drc reads drive configuration scripts.
//
// A script is a list of lines of the form
//
//	<index>\<key>=<value>
//
// where key is one of addr, value, offset, scaling or readonly. Parameters are
// numbered from 1 without gaps; the first index that does not resolve to a
// complete parameter ends the list.
package drc

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"strconv"
)

// MaxLineLen is the longest line the parser looks at. Longer lines are
// truncated to this many bytes.
const MaxLineLen = 99

// Keys recognised in a script.
const (
	KeyAddr     = "addr"
	KeyValue    = "value"
	KeyOffset   = "offset"
	KeyScaling  = "scaling"
	KeyReadOnly = "readonly"
)

// Parameter is one drive register setting from a script.
type Parameter struct {
	Index    int
	Address  int
	Value    float64
	Scale    float64
	Offset   float64
	ReadOnly bool
}

// Target returns the raw register value the parameter asks for:
// round(value*scale - offset), halves rounded away from zero. ok is false
// when the result is not finite or does not fit in a register.
func (p Parameter) Target() (v int32, ok bool) {
	t := math.Round(p.Value*p.Scale - p.Offset)
	if math.IsNaN(t) || t < math.MinInt32 || t > math.MaxInt32 {
		return 0, false
	}
	return int32(t), true
}

type record struct {
	key   string
	value string
}

// Script is a configuration script split into per-index record lists.
type Script struct {
	records map[int][]record
}

// Parse splits a script buffer into records. It never fails: lines that do
// not look like <index>\<key>=<value> are ignored.
func Parse(data []byte) *Script {
	s := &Script{records: make(map[int][]record)}

	for len(data) > 0 {
		end := bytes.IndexAny(data, "\r\n")
		var line []byte
		if end < 0 {
			line, data = data, nil
		} else {
			line, data = data[:end], data[end+1:]
		}
		if len(line) > MaxLineLen {
			line = line[:MaxLineLen]
		}

		idx, key, value, ok := splitLine(line)
		if !ok {
			continue
		}
		s.records[idx] = append(s.records[idx], record{key: key, value: value})
	}

	return s
}

// Load reads and parses a script file.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config script: %w", err)
	}
	return Parse(data), nil
}

// splitLine recognises <index>\<key>=<value>. The index must be written the
// way %d prints it: no sign, no leading zeros.
func splitLine(line []byte) (int, string, string, bool) {
	sep := bytes.IndexByte(line, '\\')
	if sep <= 0 {
		return 0, "", "", false
	}
	idxText := string(line[:sep])
	idx, err := strconv.Atoi(idxText)
	if err != nil || idx <= 0 || strconv.Itoa(idx) != idxText {
		return 0, "", "", false
	}

	rest := line[sep+1:]
	eq := bytes.IndexByte(rest, '=')
	if eq < 0 {
		return 0, "", "", false
	}
	return idx, string(rest[:eq]), string(rest[eq+1:]), true
}

// Parameter resolves the parameter with the given index. Records are applied
// in file order, each successful match overwriting the previous one, until all
// five fields are known. ok is false when any field is missing, which callers
// treat as the end of the parameter list.
func (s *Script) Parameter(idx int) (p Parameter, ok bool) {
	var gotAddr, gotValue, gotOffset, gotScale, gotReadOnly bool
	p.Index = idx

	for _, rec := range s.records[idx] {
		switch rec.key {
		case KeyAddr:
			if v, ok := scanInt(rec.value); ok {
				p.Address = v
				gotAddr = true
			}
		case KeyValue:
			if v, ok := scanFloat(rec.value); ok {
				p.Value = v
				gotValue = true
			}
		case KeyOffset:
			if v, ok := scanFloat(rec.value); ok {
				p.Offset = v
				gotOffset = true
			}
		case KeyScaling:
			if v, ok := scanFloat(rec.value); ok {
				p.Scale = v
				gotScale = true
			}
		case KeyReadOnly:
			if hasPrefix(rec.value, "true") {
				p.ReadOnly = true
				gotReadOnly = true
			} else if hasPrefix(rec.value, "false") {
				p.ReadOnly = false
				gotReadOnly = true
			}
		}

		if gotAddr && gotValue && gotOffset && gotScale && gotReadOnly {
			return p, true
		}
	}

	return Parameter{}, false
}

// Parameters returns parameters 1..N, stopping at the first index that does
// not resolve.
func (s *Script) Parameters() []Parameter {
	var params []Parameter
	for idx := 1; ; idx++ {
		p, ok := s.Parameter(idx)
		if !ok {
			return params
		}
		params = append(params, p)
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
