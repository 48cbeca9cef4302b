package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"nexus-core/internal/jobs"
	"nexus-core/pkg/db"
	"nexus-core/pkg/solana"
)

type accountView struct {
	Handle      string `json:"handle"`
	Wallet      string `json:"wallet"`
	SOL         string `json:"sol"`
	SolLamports uint64 `json:"sol_lamports"`
	TierBalance uint64 `json:"tier_balance"`
	AutoTrade   bool   `json:"auto_trade"`
	RiskProfile string `json:"risk_profile"`
}

func viewOf(a *db.Account) accountView {
	return accountView{
		Handle:      a.Handle,
		Wallet:      a.WalletRef,
		SOL:         solana.LamportsToSOL(a.SolLamports).String(),
		SolLamports: a.SolLamports,
		TierBalance: a.TierBalance,
		AutoTrade:   a.AutoTrade,
		RiskProfile: string(a.RiskProfile),
	}
}

// getWallet provisions on first use and returns the public address only.
func (s *Server) getWallet(c *gin.Context) {
	acct, err := s.deps.Accounts.Ensure(c.Request.Context(), CurrentHandle(c))
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": acct.Handle, "wallet": acct.WalletRef})
}

func (s *Server) getBalance(c *gin.Context) {
	ctx := c.Request.Context()
	handle := CurrentHandle(c)
	if _, err := s.deps.Accounts.Ensure(ctx, handle); err != nil {
		respondEngineError(c, err)
		return
	}
	acct, err := s.deps.Balances.Refresh(ctx, handle)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(acct))
}

func (s *Server) getPortfolio(c *gin.Context) {
	ctx := c.Request.Context()
	handle := CurrentHandle(c)
	if _, err := s.deps.Accounts.Ensure(ctx, handle); err != nil {
		respondEngineError(c, err)
		return
	}
	p, err := s.deps.Portfolio.Value(ctx, handle)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getPortfolioHistory(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	snaps, err := s.deps.Portfolio.History(c.Request.Context(), CurrentHandle(c), limit)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	out := make([]gin.H, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, gin.H{"taken_at": snap.TakenAt, "total_usd": snap.TotalUSD})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) setAuto(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	// An empty body toggles.
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
	}
	acct, err := s.deps.Accounts.SetAutoTrade(c.Request.Context(), CurrentHandle(c), req.Enabled)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_trade": acct.AutoTrade, "risk_profile": acct.RiskProfile})
}

func (s *Server) setRisk(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	acct, err := s.deps.Accounts.SetRisk(c.Request.Context(), CurrentHandle(c), req.Level)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"auto_trade": acct.AutoTrade, "risk_profile": acct.RiskProfile})
}

type tradeRequest struct {
	Side   string          `json:"side" binding:"required"`
	Mint   string          `json:"mint" binding:"required"`
	Amount decimal.Decimal `json:"amount"`
}

// postTrade validates and enqueues; execution happens on a trade worker.
func (s *Server) postTrade(c *gin.Context) {
	var req tradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	ctx := c.Request.Context()
	handle := CurrentHandle(c)
	if _, err := s.deps.Accounts.Ensure(ctx, handle); err != nil {
		respondEngineError(c, err)
		return
	}
	payload := jobs.TradePayload{
		Command: jobs.TradeCommand{Side: jobs.Side(req.Side), Mint: req.Mint, Amount: req.Amount}.Normalize(),
		Origin:  jobs.OriginAPI,
	}
	id, _, err := s.deps.Queue.Enqueue(ctx, handle, payload)
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": jobs.StatusPending})
}

func (s *Server) postAsk(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	id, _, err := s.deps.Queue.Enqueue(c.Request.Context(), CurrentHandle(c), jobs.AIPayload{Text: req.Text})
	if err != nil {
		respondEngineError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job_id": id, "status": jobs.StatusPending})
}
