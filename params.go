// Copyright (C) 2024 The Rill Authors. All Rights Reserved.

package comm

import "strings"

// Params holds the protocol configuration of a port as a tree of values,
// typically decoded from a YAML port file. Keys passed to the accessors may
// be dotted paths ("ssl.keyStore") descending through nested maps.
type Params map[string]any

// Lookup returns the value at the (possibly dotted) path, and whether it
// was present.
func (p Params) Lookup(path string) (any, bool) {
	var cur any = map[string]any(p)
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			if mp, ok := cur.(Params); ok {
				m = map[string]any(mp)
			} else {
				return nil, false
			}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// String returns the string value at path, or dflt if the path is absent or
// not a string.
func (p Params) String(path, dflt string) string {
	v, ok := p.Lookup(path)
	if !ok {
		return dflt
	}
	s, ok := v.(string)
	if !ok {
		return dflt
	}
	return s
}

// Has reports whether path is present.
func (p Params) Has(path string) bool { _, ok := p.Lookup(path); return ok }
