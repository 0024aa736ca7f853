package server

import (
	"errors"
	"net/http"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/probability"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// APIError is the standard error response for RGS APIs.
type APIError struct {
	Error      string           `json:"error"`
	Code       string           `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
	CurrentSum *decimal.Decimal `json:"currentSum,omitempty"`
}

func writeError(c *gin.Context, code int, errMsg, codeStr string) {
	c.AbortWithStatusJSON(code, APIError{
		Error:   errMsg,
		Code:    codeStr,
		Message: errMsg,
	})
}

// respondError maps a domain error onto its HTTP status and error code.
func (s *Server) respondError(c *gin.Context, err error) {
	var verr *gamemath.ValidationError
	if errors.As(err, &verr) {
		sum := verr.CurrentSum
		c.AbortWithStatusJSON(http.StatusBadRequest, APIError{
			Error:      err.Error(),
			Code:       "VALIDATION_ERROR",
			Message:    verr.Reason,
			CurrentSum: &sum,
		})
		return
	}
	status, code := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", zap.String("method", c.Request.Method), zap.String("path", c.Request.URL.Path), zap.Error(err))
		writeError(c, status, "internal error", code)
		return
	}
	writeError(c, status, err.Error(), code)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, games.ErrInvalidBet):
		return http.StatusBadRequest, "INVALID_BET"
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, gamemath.ErrInvalidTarget),
		errors.Is(err, gamemath.ErrNoWinPrize),
		errors.Is(err, gamemath.ErrNoPrizes),
		errors.Is(err, gamemath.ErrEmptyTable):
		return http.StatusBadRequest, "BAD_REQUEST"
	case errors.Is(err, wallet.ErrInsufficientBalance):
		return http.StatusPaymentRequired, "INSUFFICIENT_BALANCE"
	case errors.Is(err, round.ErrNotFound),
		errors.Is(err, probability.ErrNotFound),
		errors.Is(err, cashback.ErrNotFound),
		errors.Is(err, games.ErrUnknownGame),
		errors.Is(err, games.ErrUnknownPrize):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, round.ErrInvalidState):
		return http.StatusConflict, "INVALID_STATE"
	case errors.Is(err, round.ErrOutOfRange):
		return http.StatusConflict, "OUT_OF_RANGE"
	case errors.Is(err, round.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE_ROUND"
	case errors.Is(err, round.ErrGameInactive):
		return http.StatusConflict, "GAME_INACTIVE"
	case errors.Is(err, probability.ErrUnavailable):
		return http.StatusServiceUnavailable, "TABLE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL"
}
