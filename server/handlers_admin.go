package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/jobs"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type prizeProbability struct {
	PrizeID     int64           `json:"prizeId"`
	Name        string          `json:"name"`
	Value       decimal.Decimal `json:"value"`
	NoWin       bool            `json:"noWin,omitempty"`
	Probability decimal.Decimal `json:"probability"`
}

type tableResponse struct {
	GameKey          string             `json:"gameKey"`
	Mode             gamemath.Mode      `json:"mode"`
	Version          int64              `json:"version"`
	Sum              decimal.Decimal    `json:"sum"`
	WinRate          decimal.Decimal    `json:"winRate"`
	SweepstakeTarget *decimal.Decimal   `json:"sweepstakeTarget,omitempty"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	UpdatedBy        string             `json:"updatedBy"`
	Probabilities    []prizeProbability `json:"probabilities"`
}

func (s *Server) tableView(t *gamemath.Table) tableResponse {
	noWin, _ := s.catalog.NoWin(t.GameKey)
	out := tableResponse{
		GameKey:          t.GameKey,
		Mode:             t.Mode,
		Version:          t.Version,
		Sum:              t.Sum(),
		WinRate:          t.WinRate(noWin.ID),
		SweepstakeTarget: t.SweepstakeTarget,
		UpdatedAt:        t.UpdatedAt,
		UpdatedBy:        t.UpdatedBy,
	}
	for _, e := range t.Entries {
		p, _ := s.catalog.Prize(t.GameKey, e.PrizeID)
		out.Probabilities = append(out.Probabilities, prizeProbability{
			PrizeID:     e.PrizeID,
			Name:        p.Name,
			Value:       p.Value,
			NoWin:       p.NoWin,
			Probability: e.Probability,
		})
	}
	return out
}

func (s *Server) getProbabilities(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	t, err := s.tables.Table(c.Request.Context(), c.Param("gameKey"), mode)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tableView(t))
}

type putProbabilitiesRequest struct {
	Probabilities []gamemath.Entry `json:"probabilities"`
}

func (s *Server) putProbabilities(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	var req putProbabilitiesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	t, err := s.tables.SetTable(c.Request.Context(), c.Param("gameKey"), mode, req.Probabilities, author(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tableView(t))
}

func (s *Server) distributeEqually(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	t, err := s.tables.DistributeEqually(c.Request.Context(), c.Param("gameKey"), mode, author(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tableView(t))
}

type sweepstakeRequest struct {
	TargetWinRate *decimal.Decimal `json:"targetWinRate" binding:"required"`
}

func (s *Server) distributeSweepstake(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	var req sweepstakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "targetWinRate is required", "BAD_REQUEST")
		return
	}
	t, err := s.tables.DistributeBySweepstake(c.Request.Context(), c.Param("gameKey"), mode, *req.TargetWinRate, author(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tableView(t))
}

func (s *Server) resetDefaults(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	t, err := s.tables.ResetDefaults(c.Request.Context(), c.Param("gameKey"), mode, author(c))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.tableView(t))
}

func (s *Server) auditLog(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		writeError(c, http.StatusBadRequest, "limit must be a positive integer", "BAD_REQUEST")
		return
	}
	records, err := s.tables.AuditLog(c.Request.Context(), c.Param("gameKey"), mode, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gameKey": c.Param("gameKey"), "mode": mode, "records": records})
}

type activeRequest struct {
	Active *bool `json:"active" binding:"required"`
}

func (s *Server) setActive(c *gin.Context) {
	var req activeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "active is required", "BAD_REQUEST")
		return
	}
	key := c.Param("gameKey")
	if s.db != nil {
		if err := games.UpdateActive(c.Request.Context(), s.db, key, *req.Active); err != nil {
			s.respondError(c, err)
			return
		}
	}
	if err := s.catalog.SetActive(key, *req.Active); err != nil {
		s.respondError(c, err)
		return
	}
	s.log.Info("game activation changed", zap.String("game", key), zap.Bool("active", *req.Active), zap.String("author", author(c)))
	g, _ := s.catalog.Game(key)
	c.JSON(http.StatusOK, g)
}

type walletRequest struct {
	PlayerID string          `json:"playerId" binding:"required"`
	Mode     string          `json:"mode"`
	Amount   decimal.Decimal `json:"amount"`
	Ref      string          `json:"ref"`
}

func (s *Server) bindWallet(c *gin.Context) (walletRequest, gamemath.Mode, bool) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "playerId and amount are required", "BAD_REQUEST")
		return req, "", false
	}
	if req.Mode == "" {
		req.Mode = string(gamemath.ModeReal)
	}
	mode, err := gamemath.ParseMode(req.Mode)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return req, "", false
	}
	return req, mode, true
}

func (s *Server) deposit(c *gin.Context) {
	req, mode, ok := s.bindWallet(c)
	if !ok {
		return
	}
	balance, err := s.wallet.Deposit(c.Request.Context(), req.PlayerID, mode, req.Amount, req.Ref)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": req.PlayerID, "mode": mode, "balance": balance})
}

func (s *Server) withdraw(c *gin.Context) {
	req, mode, ok := s.bindWallet(c)
	if !ok {
		return
	}
	balance, err := s.wallet.Withdraw(c.Request.Context(), req.PlayerID, mode, req.Amount, req.Ref)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": req.PlayerID, "mode": mode, "balance": balance})
}

type computeRequest struct {
	PeriodEnd *time.Time `json:"periodEnd"`
}

// computeCashback defaults to the period that ended at the last midnight of
// the cashback calendar.
func (s *Server) computeCashback(c *gin.Context) {
	var req computeRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "periodEnd must be an RFC 3339 time", "BAD_REQUEST")
			return
		}
	}
	end := jobs.PeriodEnd(time.Now(), s.cfg.CashbackLocation())
	if req.PeriodEnd != nil {
		end = *req.PeriodEnd
	}
	res, err := s.cashback.ComputePending(c.Request.Context(), end)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type processRequest struct {
	IDs []int64 `json:"ids"`
}

func (s *Server) processCashback(c *gin.Context) {
	var req processRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "ids must be a list of record ids", "BAD_REQUEST")
			return
		}
	}
	res, err := s.cashback.Process(c.Request.Context(), req.IDs)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) sweepRounds(c *gin.Context) {
	res, err := s.rounds.Sweep(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
