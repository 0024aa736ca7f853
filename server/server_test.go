package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/config"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/probability"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/store/filestore"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const adminToken = "secret-token"

// corruptRepo serves a broken table for one game.
type corruptRepo struct {
	probability.Repository
	gameKey string
}

func (r corruptRepo) LoadTable(ctx context.Context, gameKey string, mode gamemath.Mode) (*gamemath.Table, error) {
	t, err := r.Repository.LoadTable(ctx, gameKey, mode)
	if err != nil || gameKey != r.gameKey {
		return t, err
	}
	t.Entries[0].Probability = t.Entries[0].Probability.Add(decimal.NewFromInt(5))
	return t, nil
}

func newTestServer(t *testing.T, corruptGame string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	fs, err := filestore.Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	fileRepo, err := probability.NewFileRepository(dir)
	if err != nil {
		t.Fatal(err)
	}
	catalog := games.Defaults()
	if err := probability.NewStore(fileRepo, catalog).Seed(context.Background(), "test"); err != nil {
		t.Fatal(err)
	}
	var repo probability.Repository = fileRepo
	if corruptGame != "" {
		repo = corruptRepo{Repository: fileRepo, gameKey: corruptGame}
	}
	tables := probability.NewStore(repo, catalog)
	cfg := &config.Config{AdminToken: adminToken}
	return New(Deps{
		Config:   cfg,
		Catalog:  catalog,
		Tables:   tables,
		Rounds:   round.NewService(fs.Rounds(), tables, catalog, round.Config{}, round.WithRandomSource(gamemath.NewSeededSource(11))),
		Wallet:   wallet.NewService(fs.Wallets(), nil),
		Cashback: cashback.NewAggregator(fs.Cashback(), cashback.WithLocation(cfg.CashbackLocation())),
	})
}

type call struct {
	method, path string
	body         any
	player       string
	admin        bool
}

func do(t *testing.T, s *Server, c call, out any) int {
	t.Helper()
	var body bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&body).Encode(c.body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &body)
	req.Header.Set("Content-Type", "application/json")
	if c.player != "" {
		req.Header.Set(playerHeader, c.player)
	}
	if c.admin {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if out != nil {
		if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", c.method, c.path, w.Body.String(), err)
		}
	}
	return w.Code
}

func deposit(t *testing.T, s *Server, player, mode, amount string) {
	t.Helper()
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/admin/wallet/deposit", admin: true,
		body: gin.H{"playerId": player, "mode": mode, "amount": amount}}, nil)
	if code != http.StatusOK {
		t.Fatalf("deposit status %d", code)
	}
}

func balance(t *testing.T, s *Server, player, mode string) decimal.Decimal {
	t.Helper()
	var out struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if code := do(t, s, call{method: http.MethodGet, path: "/rgs/wallet/balance?mode=" + mode, player: player}, &out); code != http.StatusOK {
		t.Fatalf("balance status %d", code)
	}
	return out.Balance
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, "")
	if code := do(t, s, call{method: http.MethodGet, path: "/health"}, nil); code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
}

func TestPutProbabilities_RejectsBadSum(t *testing.T) {
	s := newTestServer(t, "")
	path := "/rgs/admin/games/" + games.KeyPix + "/probabilities?mode=real"
	var before tableResponse
	if code := do(t, s, call{method: http.MethodGet, path: path, admin: true}, &before); code != http.StatusOK {
		t.Fatalf("get status %d", code)
	}

	var apiErr APIError
	code := do(t, s, call{method: http.MethodPut, path: path, admin: true, body: gin.H{
		"probabilities": []gin.H{{"prizeId": 101, "probability": "0.9"}, {"prizeId": 100, "probability": "99"}},
	}}, &apiErr)
	if code != http.StatusBadRequest || apiErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("status %d body %+v", code, apiErr)
	}
	if apiErr.CurrentSum == nil || !apiErr.CurrentSum.Equal(decimal.RequireFromString("99.9")) {
		t.Fatalf("currentSum %v", apiErr.CurrentSum)
	}

	var after tableResponse
	do(t, s, call{method: http.MethodGet, path: path, admin: true}, &after)
	if after.Version != before.Version {
		t.Fatalf("rejected write changed the table: v%d -> v%d", before.Version, after.Version)
	}
}

func TestAdminRoutesNeedToken(t *testing.T) {
	s := newTestServer(t, "")
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/admin/games/" + games.KeyPix + "/probabilities/reset-defaults"}, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("status %d", code)
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", body: gin.H{"gameKey": games.KeyPix}}, nil); code != http.StatusUnauthorized {
		t.Fatalf("missing player header: %d", code)
	}
}

func TestSweepstakeAndAuditLog(t *testing.T) {
	s := newTestServer(t, "")
	base := "/rgs/admin/games/" + games.KeyPix
	var table tableResponse
	code := do(t, s, call{method: http.MethodPost, path: base + "/probabilities/distribute-sweepstake?mode=demo", admin: true,
		body: gin.H{"targetWinRate": "20"}}, &table)
	if code != http.StatusOK {
		t.Fatalf("status %d", code)
	}
	if !table.WinRate.Equal(decimal.NewFromInt(20)) || !table.Sum.Equal(gamemath.Hundred) {
		t.Fatalf("win rate %s sum %s", table.WinRate, table.Sum)
	}
	var audit struct {
		Records []probability.AuditRecord `json:"records"`
	}
	do(t, s, call{method: http.MethodGet, path: base + "/audit-log?mode=demo&limit=1", admin: true}, &audit)
	if len(audit.Records) != 1 || audit.Records[0].Action != probability.ActionDistributeSweepstake {
		t.Fatalf("audit %+v", audit.Records)
	}
	if code := do(t, s, call{method: http.MethodPost, path: base + "/probabilities/distribute-sweepstake?mode=demo", admin: true,
		body: gin.H{"targetWinRate": "101"}}, nil); code != http.StatusBadRequest {
		t.Fatalf("target 101: %d", code)
	}
}

func TestRoundFlowOverHTTP(t *testing.T) {
	s := newTestServer(t, "")
	deposit(t, s, "p1", "real", "10")

	var created round.View
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1"}}, &created)
	if code != http.StatusCreated {
		t.Fatalf("create status %d", code)
	}
	if created.CellCount != 9 || created.Won != nil {
		t.Fatalf("created view %+v", created)
	}
	for _, c := range created.Cells {
		if c != nil {
			t.Fatal("new round exposes a cell")
		}
	}
	if !balance(t, s, "p1", "real").Equal(decimal.NewFromInt(9)) {
		t.Fatal("bet not debited")
	}

	roundPath := "/rgs/rounds/" + created.RoundID
	if code := do(t, s, call{method: http.MethodPost, path: roundPath + "/reveal", player: "p1", body: gin.H{"cellIndex": 9}}, nil); code != http.StatusConflict {
		t.Fatalf("out of range reveal: %d", code)
	}
	if code := do(t, s, call{method: http.MethodPost, path: roundPath + "/reveal", player: "p2", body: gin.H{"cellIndex": 0}}, nil); code != http.StatusNotFound {
		t.Fatalf("foreign reveal: %d", code)
	}
	var rev round.RevealResult
	if code := do(t, s, call{method: http.MethodPost, path: roundPath + "/reveal", player: "p1", body: gin.H{"cellIndex": 0}}, &rev); code != http.StatusOK {
		t.Fatalf("reveal status %d", code)
	}
	if rev.CellIndex != 0 || rev.Cell.PrizeID == 0 {
		t.Fatalf("reveal %+v", rev)
	}

	var st round.Settlement
	if code := do(t, s, call{method: http.MethodPost, path: roundPath + "/finalize", player: "p1"}, &st); code != http.StatusOK {
		t.Fatalf("finalize status %d", code)
	}
	var again round.Settlement
	do(t, s, call{method: http.MethodPost, path: roundPath + "/finalize", player: "p1"}, &again)
	if !again.AlreadySettled || !again.Credited.Equal(st.Credited) {
		t.Fatalf("second finalize %+v", again)
	}
	want := decimal.NewFromInt(9).Add(st.Credited)
	if got := balance(t, s, "p1", "real"); !got.Equal(want) {
		t.Fatalf("balance %s, want %s", got, want)
	}
	if code := do(t, s, call{method: http.MethodPost, path: roundPath + "/reveal", player: "p1", body: gin.H{"cellIndex": 1}}, nil); code != http.StatusConflict {
		t.Fatalf("reveal after finalize: %d", code)
	}
}

func TestDemoRoundLeavesRealBalance(t *testing.T) {
	s := newTestServer(t, "")
	deposit(t, s, "p1", "demo", "5")
	var apiErr APIError
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1"}}, &apiErr)
	if code != http.StatusPaymentRequired || apiErr.Code != "INSUFFICIENT_BALANCE" {
		t.Fatalf("real round without funds: %d %+v", code, apiErr)
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "demo", "betAmount": "5"}}, nil); code != http.StatusCreated {
		t.Fatalf("demo round: %d", code)
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "demo", "betAmount": "3"}}, nil); code != http.StatusBadRequest {
		t.Fatalf("invalid bet: %d", code)
	}
	if !balance(t, s, "p1", "real").IsZero() {
		t.Fatal("real balance changed")
	}
}

func TestCorruptTableBlocksRounds(t *testing.T) {
	s := newTestServer(t, games.KeySuper)
	deposit(t, s, "p1", "real", "5")
	var apiErr APIError
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeySuper, "mode": "real", "betAmount": "1"}}, &apiErr)
	if code != http.StatusServiceUnavailable || apiErr.Code != "TABLE_UNAVAILABLE" {
		t.Fatalf("status %d %+v", code, apiErr)
	}
	if !balance(t, s, "p1", "real").Equal(decimal.NewFromInt(5)) {
		t.Fatal("blocked round debited the player")
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1"}}, nil); code != http.StatusCreated {
		t.Fatalf("other games keep working: %d", code)
	}
}

func TestCashbackEndpoints(t *testing.T) {
	s := newTestServer(t, "")
	deposit(t, s, "p1", "real", "100")
	for i := 0; i < 60; i++ {
		var created round.View
		code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
			body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1"}}, &created)
		if code == http.StatusPaymentRequired {
			break
		}
		if code != http.StatusCreated {
			t.Fatalf("round %d: %d", i, code)
		}
		do(t, s, call{method: http.MethodPost, path: "/rgs/rounds/" + created.RoundID + "/finalize", player: "p1"}, nil)
	}
	tomorrow := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	var computed cashback.ComputeResult
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/admin/cashback/compute", admin: true,
		body: gin.H{"periodEnd": tomorrow}}, &computed); code != http.StatusOK {
		t.Fatalf("compute status %d", code)
	}
	var first, second cashback.ProcessResult
	do(t, s, call{method: http.MethodPost, path: "/rgs/admin/cashback/process", admin: true}, &first)
	do(t, s, call{method: http.MethodPost, path: "/rgs/admin/cashback/process", admin: true}, &second)
	if first.ProcessedCount != computed.Created {
		t.Fatalf("processed %d of %d", first.ProcessedCount, computed.Created)
	}
	if second.ProcessedCount != 0 {
		t.Fatalf("second run processed %d", second.ProcessedCount)
	}
}

func TestSetActive(t *testing.T) {
	s := newTestServer(t, "")
	deposit(t, s, "p1", "real", "5")
	path := "/rgs/admin/games/" + games.KeyPix + "/active"
	if code := do(t, s, call{method: http.MethodPost, path: path, admin: true, body: gin.H{"active": false}}, nil); code != http.StatusOK {
		t.Fatalf("deactivate: %d", code)
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1"}}, nil); code != http.StatusConflict {
		t.Fatalf("inactive game: %d", code)
	}
}

func TestCreateRoundRejectsLongRoundID(t *testing.T) {
	s := newTestServer(t, "")
	deposit(t, s, "p1", "real", "5")
	var apiErr APIError
	code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1", "roundId": strings.Repeat("r", 65)}}, &apiErr)
	if code != http.StatusBadRequest || apiErr.Code != "BAD_REQUEST" {
		t.Fatalf("65 character round id: %d %+v", code, apiErr)
	}
	if code := do(t, s, call{method: http.MethodPost, path: "/rgs/rounds", player: "p1",
		body: gin.H{"gameKey": games.KeyPix, "mode": "real", "betAmount": "1", "roundId": strings.Repeat("r", 64)}}, nil); code != http.StatusCreated {
		t.Fatalf("64 character round id: %d", code)
	}
	if !balance(t, s, "p1", "real").Equal(decimal.NewFromInt(4)) {
		t.Fatal("rejected request debited the player")
	}
}
