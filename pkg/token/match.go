// Copyright 2025 The Soteria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"strings"
	"time"
)

// matchResource reports whether value matches the pattern. `*` matches any
// run of characters within one path segment; `**` matches zero or more whole
// segments.
func matchResource(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	return matchSegments(strings.Split(pattern, "/"), strings.Split(value, "/"))
}

func matchSegments(pattern, value []string) bool {
	if len(pattern) == 0 {
		return len(value) == 0
	}
	if pattern[0] == "**" {
		for skip := 0; skip <= len(value); skip++ {
			if matchSegments(pattern[1:], value[skip:]) {
				return true
			}
		}
		return false
	}
	if len(value) == 0 {
		return false
	}
	if !matchSegment(pattern[0], value[0]) {
		return false
	}
	return matchSegments(pattern[1:], value[1:])
}

// matchSegment handles `*` globbing inside one segment.
func matchSegment(pattern, value string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == value
	}

	parts := strings.Split(pattern, "*")

	if !strings.HasPrefix(value, parts[0]) {
		return false
	}
	value = value[len(parts[0]):]

	last := parts[len(parts)-1]
	if !strings.HasSuffix(value, last) {
		return false
	}
	value = value[:len(value)-len(last)]

	for _, mid := range parts[1 : len(parts)-1] {
		idx := strings.Index(value, mid)
		if idx < 0 {
			return false
		}
		value = value[idx+len(mid):]
	}
	return true
}

// withinTimeWindow reports whether the clock time of now falls inside the
// [start, end] window given as "HH:MM" strings. Windows crossing midnight
// (start after end) wrap around.
func withinTimeWindow(window []string, now time.Time) bool {
	if len(window) != 2 {
		return true
	}
	start, okStart := parseClock(window[0])
	end, okEnd := parseClock(window[1])
	if !okStart || !okEnd {
		return true
	}

	minutes := now.Hour()*60 + now.Minute()
	if start <= end {
		return minutes >= start && minutes <= end
	}
	return minutes >= start || minutes <= end
}

func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
