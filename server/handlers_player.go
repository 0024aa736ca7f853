package server

import (
	"net/http"

	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/round"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (s *Server) listGames(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"games": s.catalog.ListGames()})
}

// listPrizes shows the card symbols of a game. The no-win outcome is internal.
func (s *Server) listPrizes(c *gin.Context) {
	prizes, ok := s.catalog.Prizes(c.Param("gameKey"))
	if !ok {
		s.respondError(c, games.ErrUnknownGame)
		return
	}
	visible := make([]games.Prize, 0, len(prizes))
	for _, p := range prizes {
		if !p.NoWin {
			visible = append(visible, p)
		}
	}
	c.JSON(http.StatusOK, gin.H{"gameKey": c.Param("gameKey"), "prizes": visible})
}

type createRoundRequest struct {
	GameKey   string          `json:"gameKey" binding:"required"`
	Mode      string          `json:"mode"`
	BetAmount decimal.Decimal `json:"betAmount"`
	RoundID   string          `json:"roundId" binding:"omitempty,max=64"`
}

func (s *Server) createRound(c *gin.Context) {
	var req createRoundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
		return
	}
	if req.Mode == "" {
		req.Mode = string(gamemath.ModeReal)
	}
	mode, err := gamemath.ParseMode(req.Mode)
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return
	}
	r, err := s.rounds.Create(c.Request.Context(), round.CreateRequest{
		PlayerID: c.GetString(playerKey),
		GameKey:  req.GameKey,
		Mode:     mode,
		Bet:      req.BetAmount,
		RoundID:  req.RoundID,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, s.rounds.Project(r))
}

func (s *Server) getRound(c *gin.Context) {
	v, err := s.rounds.View(c.Request.Context(), c.GetString(playerKey), c.Param("roundId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type revealRequest struct {
	CellIndex *int `json:"cellIndex" binding:"required"`
}

func (s *Server) revealCell(c *gin.Context) {
	var req revealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "cellIndex is required", "BAD_REQUEST")
		return
	}
	res, err := s.rounds.Reveal(c.Request.Context(), c.GetString(playerKey), c.Param("roundId"), *req.CellIndex)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) finalizeRound(c *gin.Context) {
	st, err := s.rounds.Finalize(c.Request.Context(), c.GetString(playerKey), c.Param("roundId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) getBalance(c *gin.Context) {
	mode, ok := modeParam(c)
	if !ok {
		return
	}
	balance, err := s.wallet.Balance(c.Request.Context(), c.GetString(playerKey), mode)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"playerId": c.GetString(playerKey), "mode": mode, "balance": balance})
}
