package memmap

// UnavailableRanges covers [start, limit] with contiguous ranges no larger than
// spanMax bytes each. The last range always ends at limit, and no intermediate
// computation wraps around.
func UnavailableRanges(start, limit, spanMax uintptr) []Range {
	if start > limit || spanMax == 0 {
		return nil
	}

	var out []Range
	cursor := start
	for {
		// limit-cursor+1 bytes remain; compare without adding one.
		if limit-cursor < spanMax {
			out = append(out, unavailable(cursor, limit))
			return out
		}
		end := cursor + spanMax - 1
		out = append(out, unavailable(cursor, end))
		cursor = end + 1
	}
}

func unavailable(start, end uintptr) Range {
	return Range{
		Start:       start,
		End:         end,
		Category:    CategoryNA,
		Description: "Reserved / outside physical range",
	}
}

// FillUnavailable marks everything from start to MaxAddr as unavailable.
func (m *Registry) FillUnavailable(start uintptr) error {
	for _, r := range UnavailableRanges(start, MaxAddr, m.spanMax) {
		if _, err := m.Assign(r); err != nil {
			return err
		}
	}
	return nil
}
