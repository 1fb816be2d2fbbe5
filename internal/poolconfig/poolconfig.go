// Copyright 2024 The MNAT Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package poolconfig parses the JSON pool definition file into a list of
// PoolRanges, with exclude-subnet subtraction producing each range's
// usable address space (spec.md section 6, "Pool config").
package poolconfig

import (
	"errors"
	"fmt"
	"net"
	"os"

	jsoniter "github.com/json-iterator/go"
)

// DefaultPath is used when MNAT_POOL is unset.
const DefaultPath = "/etc/mnat/pool.json"

// SourceKind tags how a PoolRange's source addresses are produced.
type SourceKind int

const (
	// SourceKeep reuses the inbound packet's global source unchanged.
	SourceKeep SourceKind = iota
	// SourceASM means no source is assigned (any-source multicast).
	SourceASM
	// SourceCIDR draws from a concrete address range.
	SourceCIDR
)

// SourceSpec is a parsed "source-range" value: "keep", "asm", or a CIDR.
type SourceSpec struct {
	Kind  SourceKind
	Range IPRange
}

func (s SourceSpec) count() uint64 {
	if s.Kind == SourceCIDR {
		return s.Range.Size()
	}
	return 1
}

func parseSourceSpec(raw string) (SourceSpec, error) {
	switch raw {
	case "keep":
		return SourceSpec{Kind: SourceKeep}, nil
	case "asm":
		return SourceSpec{Kind: SourceASM}, nil
	case "":
		return SourceSpec{}, fmt.Errorf("empty source-range")
	default:
		r, err := NewIPRangeFromCIDR(raw)
		if err != nil {
			return SourceSpec{}, err
		}
		return SourceSpec{Kind: SourceCIDR, Range: r}, nil
	}
}

// PoolRange is one entry of the pool's group-range list, fully resolved:
// its base range, its source policy, and the usable group sub-ranges left
// after subtracting every exclude.
type PoolRange struct {
	BaseGroupRange net.IPNet
	Base           IPRange
	SourceRange    SourceSpec
	Excludes       []IPRange
	UsableRanges   []IPRange

	GroupCount  uint64
	SourceCount uint64
}

// Config is the fully parsed and validated pool definition.
type Config struct {
	DefaultSourceRange SourceSpec
	Ranges             []PoolRange
}

type rawConfig struct {
	GroupPool rawGroupPool `json:"group-pool"`
}

type rawGroupPool struct {
	DefaultSourceRange string     `json:"default-source-range"`
	Ranges             []rawRange `json:"ranges"`
}

type rawRange struct {
	GroupRange  string       `json:"group-range"`
	SourceRange string       `json:"source-range"`
	Exclude     []rawExclude `json:"exclude"`
}

type rawExclude struct {
	GroupexRange string `json:"groupex-range"`
}

// Path returns the configured pool file path: MNAT_POOL if set, else
// DefaultPath.
func Path() string {
	if p := os.Getenv("MNAT_POOL"); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads and validates the pool config file at path. In strict mode,
// any of: a non-multicast base range, an unrecognized JSON field, an
// exclude that isn't a proper subnet of its base range, overlapping
// excludes, or a missing groupex-range, fails the load. In lenient mode
// each of those becomes a warning instead (Load returns the warnings so
// the caller can decide how to surface them): an unrecognized field is
// ignored, a non-multicast base range is kept, an exclude that is missing,
// unparseable or not a subnet is ignored, and an overlapping exclude is
// still subtracted. A range whose group-range or source-range cannot be
// parsed is dropped with a warning.
func Load(path string, strict bool) (*Config, []string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading pool config %s: %w", path, err)
	}
	return Parse(data, strict)
}

// Parse is Load without the filesystem dependency, split out for tests.
func Parse(data []byte, strict bool) (*Config, []string, error) {
	api := jsoniter.Config{DisallowUnknownFields: true, CaseSensitive: true}.Froze()

	var raw rawConfig
	var warnings []string
	if err := api.Unmarshal(data, &raw); err != nil {
		if strict {
			return nil, nil, fmt.Errorf("parsing pool config: %w", err)
		}
		// Lenient mode falls back to a tolerant decode so an unknown field
		// doesn't sink the whole file; the strict decoder's complaint is
		// kept as a warning.
		raw = rawConfig{}
		if err2 := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(data, &raw); err2 != nil {
			return nil, nil, fmt.Errorf("parsing pool config: %w", err2)
		}
		warnings = append(warnings, fmt.Sprintf("pool config: %v", err))
	}

	cfg := &Config{}

	if raw.GroupPool.DefaultSourceRange != "" {
		spec, err := parseSourceSpec(raw.GroupPool.DefaultSourceRange)
		if err != nil {
			return nil, nil, fmt.Errorf("default-source-range: %w", err)
		}
		cfg.DefaultSourceRange = spec
	}

	for i, rr := range raw.GroupPool.Ranges {
		pr, rangeWarnings, err := resolveRange(rr, cfg.DefaultSourceRange, strict)
		warnings = append(warnings, rangeWarnings...)
		if err != nil {
			if strict {
				return nil, nil, fmt.Errorf("ranges[%d]: %w", i, err)
			}
			warnings = append(warnings, fmt.Sprintf("ranges[%d]: %v (skipped)", i, err))
			continue
		}
		cfg.Ranges = append(cfg.Ranges, pr)
	}
	return cfg, warnings, nil
}

func resolveRange(rr rawRange, defaultSource SourceSpec, strict bool) (PoolRange, []string, error) {
	var warnings []string

	_, ipnet, err := net.ParseCIDR(rr.GroupRange)
	if err != nil {
		return PoolRange{}, nil, fmt.Errorf("invalid group-range %q: %w", rr.GroupRange, err)
	}
	if !ipnet.IP.IsMulticast() {
		msg := fmt.Sprintf("group-range %q is not a multicast subnet", rr.GroupRange)
		if strict {
			return PoolRange{}, nil, errors.New(msg)
		}
		warnings = append(warnings, msg)
	}
	base, err := NewIPRangeFromCIDR(rr.GroupRange)
	if err != nil {
		return PoolRange{}, nil, err
	}

	source := defaultSource
	if rr.SourceRange != "" {
		source, err = parseSourceSpec(rr.SourceRange)
		if err != nil {
			return PoolRange{}, nil, fmt.Errorf("source-range: %w", err)
		}
	}

	usable := []IPRange{base}
	var excludes []IPRange
	for _, ex := range rr.Exclude {
		if ex.GroupexRange == "" {
			msg := "exclude entry missing groupex-range"
			if strict {
				return PoolRange{}, nil, errors.New(msg)
			}
			warnings = append(warnings, msg)
			continue
		}
		exRange, err := NewIPRangeFromCIDR(ex.GroupexRange)
		if err != nil {
			if strict {
				return PoolRange{}, nil, err
			}
			warnings = append(warnings, err.Error())
			continue
		}
		if !base.Subset(exRange) {
			msg := fmt.Sprintf("exclude %q is not a subnet of %q", ex.GroupexRange, rr.GroupRange)
			if strict {
				return PoolRange{}, nil, errors.New(msg)
			}
			warnings = append(warnings, msg)
			continue
		}
		for _, prior := range excludes {
			if prior.Overlaps(exRange) {
				msg := fmt.Sprintf("exclude %q overlaps an earlier exclude", ex.GroupexRange)
				if strict {
					return PoolRange{}, nil, errors.New(msg)
				}
				warnings = append(warnings, msg)
			}
		}
		excludes = append(excludes, exRange)
		usable = SubtractAll(usable, exRange)
	}

	var groupCount uint64
	for _, u := range usable {
		groupCount += u.Size()
	}

	pr := PoolRange{
		BaseGroupRange: *ipnet,
		Base:           base,
		SourceRange:    source,
		Excludes:       excludes,
		UsableRanges:   usable,
		GroupCount:     groupCount,
		SourceCount:    source.count(),
	}
	return pr, warnings, nil
}
