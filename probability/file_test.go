package probability

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
)

func TestFileRepository_Persistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	r1, err := NewFileRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	tb := &gamemath.Table{GameKey: "g", Mode: gamemath.ModeDemo, Entries: []gamemath.Entry{{PrizeID: 1, Probability: d("100")}}}
	if _, err := r1.ReplaceTable(ctx, tb, AuditRecord{Author: "a", Action: ActionSet}); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "probability_tables.json")); err != nil {
		t.Fatalf("tables file not written: %v", err)
	}
	r2, err := NewFileRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, err := r2.LoadTable(ctx, "g", gamemath.ModeDemo)
	if err != nil {
		t.Fatal(err)
	}
	if got.Version != 1 || !got.Probability(1).Equal(d("100")) {
		t.Errorf("got %+v", got)
	}
	if _, err := r2.LoadTable(ctx, "g", gamemath.ModeReal); err != ErrNotFound {
		t.Errorf("other mode: %v", err)
	}
	log, _ := r2.AuditLog(ctx, "g", gamemath.ModeDemo, 0)
	if len(log) != 1 || log[0].Version != 1 || log[0].Action != ActionSet {
		t.Errorf("audit %+v", log)
	}
}

func TestFileRepository_LoadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	r, _ := NewFileRepository(t.TempDir())
	tb := &gamemath.Table{GameKey: "g", Mode: gamemath.ModeReal, Entries: []gamemath.Entry{{PrizeID: 1, Probability: d("100")}}}
	r.ReplaceTable(ctx, tb, AuditRecord{})
	got, _ := r.LoadTable(ctx, "g", gamemath.ModeReal)
	got.Entries[0].Probability = d("1")
	again, _ := r.LoadTable(ctx, "g", gamemath.ModeReal)
	if !again.Probability(1).Equal(d("100")) {
		t.Error("caller mutation reached the repository")
	}
}

func TestFileRepository_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "probability_tables.json"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileRepository(dir); err == nil {
		t.Error("corrupt tables file must fail loudly")
	}
}
