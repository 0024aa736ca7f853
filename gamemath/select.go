package gamemath

// Resolution is the number of draw units in 100%: one unit is 0.00001%.
const Resolution int64 = 10_000_000

// units converts a validated probability into draw units.
func units(e Entry) int64 {
	return e.Probability.Shift(MaxFractionDigits).IntPart()
}

// SelectAt maps r in [0, Resolution) to an entry by walking cumulative
// probabilities in prize id order. Every entry is visited whatever r is.
// When r lands past the cumulative total (rounding below 100%) the last
// entry with a positive probability is returned.
func SelectAt(t *Table, r int64) (Entry, bool) {
	if t == nil || len(t.Entries) == 0 {
		return Entry{}, false
	}
	chosen, last := -1, -1
	var cum int64
	for i := range t.Entries {
		u := units(t.Entries[i])
		if u <= 0 {
			continue
		}
		cum += u
		last = i
		if chosen < 0 && r < cum {
			chosen = i
		}
	}
	if last < 0 {
		return Entry{}, false
	}
	if chosen < 0 {
		chosen = last
	}
	return t.Entries[chosen], true
}

// Select draws one entry from t using src.
func Select(t *Table, src RandomSource) (Entry, error) {
	if t == nil || len(t.Entries) == 0 {
		return Entry{}, ErrEmptyTable
	}
	r, err := src.Intn(Resolution)
	if err != nil {
		return Entry{}, err
	}
	e, ok := SelectAt(t, r)
	if !ok {
		return Entry{}, ErrEmptyTable
	}
	return e, nil
}
