package gamemath

import (
	"errors"
	"testing"
)

func pv(id int64, value string) PrizeValue { return PrizeValue{ID: id, Value: d(value)} }

func noWin(id int64) PrizeValue { return PrizeValue{ID: id, Value: d("0"), NoWin: true} }

func probs(entries []Entry) map[int64]string {
	out := map[int64]string{}
	for _, e := range entries {
		out[e.PrizeID] = e.Probability.String()
	}
	return out
}

func TestSweepstake_InverseValueWeights(t *testing.T) {
	entries, err := Sweepstake([]PrizeValue{noWin(10), pv(1, "1"), pv(2, "2"), pv(3, "4")}, d("35"))
	if err != nil {
		t.Fatal(err)
	}
	got := probs(entries)
	want := map[int64]string{1: "20", 2: "10", 3: "5", 10: "65"}
	for id, w := range want {
		if got[id] != w {
			t.Errorf("prize %d = %s want %s", id, got[id], w)
		}
	}
	if err := Validate(entries); err != nil {
		t.Errorf("result must validate: %v", err)
	}
}

func TestSweepstake_ResidueKeepsSumExact(t *testing.T) {
	entries, err := Sweepstake([]PrizeValue{pv(1, "1"), pv(2, "1"), pv(3, "1"), noWin(4)}, d("10"))
	if err != nil {
		t.Fatal(err)
	}
	if s := Sum(entries); !s.Equal(Hundred) {
		t.Errorf("sum %s", s)
	}
	got := probs(entries)
	if got[1] != "3.33334" || got[2] != "3.33333" || got[4] != "90" {
		t.Errorf("unexpected split %v", got)
	}
}

func TestSweepstake_Errors(t *testing.T) {
	prizes := []PrizeValue{pv(1, "5"), noWin(2)}
	if _, err := Sweepstake(prizes, d("101")); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("target 101: %v", err)
	}
	if _, err := Sweepstake(prizes, d("-1")); !errors.Is(err, ErrInvalidTarget) {
		t.Errorf("target -1: %v", err)
	}
	if _, err := Sweepstake([]PrizeValue{pv(1, "5")}, d("10")); !errors.Is(err, ErrNoWinPrize) {
		t.Errorf("missing no-win: %v", err)
	}
	if _, err := Sweepstake([]PrizeValue{noWin(1)}, d("10")); !errors.Is(err, ErrNoPrizes) {
		t.Errorf("no paying prizes: %v", err)
	}
}

func TestEqual(t *testing.T) {
	entries, err := Equal([]PrizeValue{pv(3, "10"), pv(1, "1"), pv(2, "5"), noWin(9)})
	if err != nil {
		t.Fatal(err)
	}
	got := probs(entries)
	if got[1] != "33.33333" || got[2] != "33.33333" || got[3] != "33.33334" || got[9] != "0" {
		t.Errorf("unexpected split %v", got)
	}
	if err := Validate(entries); err != nil {
		t.Error(err)
	}
}

func TestTierDefaults(t *testing.T) {
	entries, err := TierDefaults([]PrizeValue{pv(1, "100000"), pv(2, "50"), pv(3, "5"), pv(4, "1"), noWin(5)})
	if err != nil {
		t.Fatal(err)
	}
	got := probs(entries)
	want := map[int64]string{1: "0.001", 2: "1", 3: "5", 4: "10", 5: "83.999"}
	for id, w := range want {
		if got[id] != w {
			t.Errorf("prize %d = %s want %s", id, got[id], w)
		}
	}
}

func TestTierDefaults_ScalesOverflow(t *testing.T) {
	prizes := []PrizeValue{noWin(100)}
	for i := int64(1); i <= 11; i++ {
		prizes = append(prizes, pv(i, "1"))
	}
	entries, err := TierDefaults(prizes)
	if err != nil {
		t.Fatal(err)
	}
	if err := Validate(entries); err != nil {
		t.Fatalf("scaled defaults must validate: %v", err)
	}
	if got := probs(entries)[1]; got != "9.0909" {
		t.Errorf("scaled share %s", got)
	}
}
