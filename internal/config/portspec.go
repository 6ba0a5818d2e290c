package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
)

// PortRange is a forwarded port range, and its optional mapping/bind
// restriction, parsed from one item of a `-t|-u|-T|-U` spec (spec.md §6):
// `[~]first[-last][:mapfirst[-maplast]][/[addr][%iface]]`.
type PortRange struct {
	Exclude bool
	First   uint16
	Last    uint16 // == First for a single port

	MapFirst uint16 // == First if no mapping given
	MapLast  uint16

	Addr  string // bind-restriction address, if any
	Iface string // bind-restriction interface, if any
}

// PortSpec is the parsed form of a `-t|-u|-T|-U` option value.
type PortSpec struct {
	None bool
	Auto bool
	All  bool

	Ranges []PortRange
}

// ParsePortSpec parses the grammar of spec.md §6: "none | auto | all |
// item(,item)*". Overlapping mapped ranges are resolved last-one-wins,
// with a warning logged, per spec.md's Open Questions resolution (an
// exclusion range overlapping a previous exclusion is a parse error
// instead, since the grammar disallows it outright: "an exclusion range
// that must not overlap a previous exclusion").
func ParsePortSpec(spec string) (PortSpec, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "none":
		return PortSpec{None: true}, nil
	case "auto":
		return PortSpec{Auto: true}, nil
	case "all":
		return PortSpec{All: true}, nil
	case "":
		return PortSpec{}, fmt.Errorf("config: empty port spec")
	}

	var ps PortSpec
	for _, item := range strings.Split(spec, ",") {
		r, err := parsePortItem(item)
		if err != nil {
			return PortSpec{}, fmt.Errorf("config: port spec item %q: %w", item, err)
		}
		if r.Exclude {
			for _, prev := range ps.Ranges {
				if prev.Exclude && rangesOverlap(prev, r) {
					return PortSpec{}, fmt.Errorf("config: exclusion range %q overlaps a previous exclusion", item)
				}
			}
		} else {
			for i, prev := range ps.Ranges {
				if !prev.Exclude && rangesOverlap(prev, r) {
					log.Printf("config: port mapping %q overlaps an earlier mapping; the latest wins", item)
					ps.Ranges[i] = r
					goto next
				}
			}
		}
		ps.Ranges = append(ps.Ranges, r)
	next:
	}
	return ps, nil
}

func rangesOverlap(a, b PortRange) bool {
	return a.First <= b.Last && b.First <= a.Last
}

func parsePortItem(item string) (PortRange, error) {
	var r PortRange

	if strings.HasPrefix(item, "~") {
		r.Exclude = true
		item = item[1:]
	}

	if i := strings.IndexByte(item, '/'); i >= 0 {
		bindPart := item[i+1:]
		item = item[:i]
		if j := strings.IndexByte(bindPart, '%'); j >= 0 {
			r.Addr = bindPart[:j]
			r.Iface = bindPart[j+1:]
		} else {
			r.Addr = bindPart
		}
	}

	portPart := item
	mapPart := ""
	if i := strings.IndexByte(item, ':'); i >= 0 {
		portPart = item[:i]
		mapPart = item[i+1:]
	}

	first, last, err := parseRange(portPart)
	if err != nil {
		return PortRange{}, err
	}
	r.First, r.Last = first, last

	if mapPart == "" {
		r.MapFirst, r.MapLast = first, last
		return r, nil
	}

	mapFirst, mapLast, err := parseRange(mapPart)
	if err != nil {
		return PortRange{}, err
	}
	if mapLast-mapFirst != last-first {
		return PortRange{}, fmt.Errorf("mapped range width must equal source range width")
	}
	r.MapFirst, r.MapLast = mapFirst, mapLast
	return r, nil
}

func parseRange(s string) (first, last uint16, err error) {
	if i := strings.IndexByte(s, '-'); i >= 0 {
		f, err := strconv.ParseUint(s[:i], 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range start %q: %w", s[:i], err)
		}
		l, err := strconv.ParseUint(s[i+1:], 10, 16)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid range end %q: %w", s[i+1:], err)
		}
		if l < f {
			return 0, 0, fmt.Errorf("range end %d before start %d", l, f)
		}
		return uint16(f), uint16(l), nil
	}
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port %q: %w", s, err)
	}
	return uint16(v), uint16(v), nil
}
