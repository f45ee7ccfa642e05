package controlplane

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/internal/services"
)

var cpLog = logrus.WithField("component", "controlplane")

// PriceSource 手动下单需要的实时标记价
type PriceSource interface {
	CurrentPrice(ctx context.Context, asset string) (float64, error)
}

// Server 控制面 HTTP 服务：只读查询 + 少量人工操作入口。
// 人工操作走与调度周期完全相同的风控与执行路径，没有旁路。
type Server struct {
	scheduler *services.Scheduler
	executor  *services.TradeExecutor
	store     *services.Store
	reader    services.PositionReader
	breakers  *risk.BreakerSet
	prices    PriceSource

	httpSrv *http.Server
}

// New 创建控制面服务
func New(
	scheduler *services.Scheduler,
	executor *services.TradeExecutor,
	store *services.Store,
	reader services.PositionReader,
	breakers *risk.BreakerSet,
	prices PriceSource,
) *Server {
	return &Server{
		scheduler: scheduler,
		executor:  executor,
		store:     store,
		reader:    reader,
		breakers:  breakers,
		prices:    prices,
	}
}

// Router 组装路由
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	api.GET("/vaults", s.handleVaultsList)
	vault := api.Group("/vaults/:address")
	vault.POST("/trigger", s.handleTrigger)
	vault.POST("/trade", s.handleManualTrade)
	vault.GET("/trades", s.handleTrades)
	vault.GET("/signals", s.handleSignals)
	vault.GET("/positions", s.handlePositions)
	vault.GET("/reconciliation", s.handleReconciliation)
	vault.GET("/breaker", s.handleBreakerStatus)
	vault.POST("/breaker/resume", s.handleBreakerResume)

	api.GET("/breaker", s.handleBreakersList)

	return r
}

// Start 监听并服务（非阻塞）
func (s *Server) Start(addr string) {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			cpLog.Errorf("🛑 控制面服务退出: %v", err)
		}
	}()
	cpLog.Infof("✅ 控制面已启动: %s", addr)
}

// Stop 优雅关闭
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleVaultsList(c *gin.Context) {
	vaults := s.scheduler.Vaults()
	out := make([]gin.H, 0, len(vaults))
	for _, v := range vaults {
		out = append(out, gin.H{
			"address":        v.Address,
			"strategy":       v.StrategySlug,
			"trader":         v.TraderAddress,
			"allowlist":      v.Allowlist,
			"check_interval": v.CheckInterval,
			"status":         string(v.Status),
		})
	}
	c.JSON(http.StatusOK, gin.H{"vaults": out})
}

func (s *Server) handleTrigger(c *gin.Context) {
	address := c.Param("address")
	err := s.scheduler.TriggerVault(c.Request.Context(), address)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "completed", "vault": address})
	case errors.Is(err, services.ErrCycleInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrVaultUnknown):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

type manualTradeRequest struct {
	Direction string  `json:"direction" binding:"required"` // LONG/SHORT/CLOSE
	Asset     string  `json:"asset" binding:"required"`
	Size      float64 `json:"size"`    // 名义仓位（USD），LONG/SHORT 必填
	DryRun    bool    `json:"dry_run"` // true: 只构建返回订单明细，不提交不落盘
}

func (s *Server) handleManualTrade(c *gin.Context) {
	address := c.Param("address")
	var req manualTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var target *domain.Vault
	for _, v := range s.scheduler.Vaults() {
		if strings.EqualFold(v.Address, address) {
			target = v
			break
		}
	}
	if target == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown vault"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Minute)
	defer cancel()

	asset := strings.ToUpper(strings.TrimSpace(req.Asset))
	price, err := s.prices.CurrentPrice(ctx, asset)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": fmt.Sprintf("mark price unavailable: %v", err)})
		return
	}

	signal := domain.Signal{
		Asset:        asset,
		Timeframe:    target.CheckInterval,
		StrategySlug: "manual",
		MarkPrice:    price,
		Reason:       "manual trade via control plane",
		Timestamp:    time.Now().UTC(),
	}

	var record *domain.TradeRecord
	switch strings.ToUpper(strings.TrimSpace(req.Direction)) {
	case "LONG", "SHORT":
		if strings.EqualFold(req.Direction, "LONG") {
			signal.Direction = domain.DirectionLong
		} else {
			signal.Direction = domain.DirectionShort
		}
		if req.Size <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "size must be a positive notional in USD"})
			return
		}
		signal.Confidence = 1
		signal.SizeFraction = 1
		if req.DryRun {
			preview, perr := s.executor.PreviewOpenUSD(ctx, target, signal, req.Size)
			s.respondPreview(c, preview, perr)
			return
		}
		// 与调度周期共用金库锁，在途周期未结束时拒绝
		err = s.scheduler.RunExclusive(target.Address, func(vault *domain.Vault) error {
			var ierr error
			record, ierr = s.executor.OpenPositionUSD(ctx, vault, signal, req.Size)
			return ierr
		})

	case "CLOSE":
		positions, perr := s.reader.AccountPositions(ctx, common.HexToAddress(target.Address))
		if perr != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": perr.Error()})
			return
		}
		var pos *domain.Position
		for i := range positions {
			if strings.EqualFold(positions[i].Asset, asset) {
				pos = &positions[i]
				break
			}
		}
		if pos == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "no open position for asset"})
			return
		}
		if req.DryRun {
			preview, perr := s.executor.PreviewClose(ctx, target, signal, pos)
			s.respondPreview(c, preview, perr)
			return
		}
		err = s.scheduler.RunExclusive(target.Address, func(vault *domain.Vault) error {
			var ierr error
			record, ierr = s.executor.ClosePosition(ctx, vault, signal, pos)
			return ierr
		})

	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be LONG, SHORT or CLOSE"})
		return
	}

	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, services.ErrTradingDisabled), errors.Is(err, risk.ErrCircuitBreakerOpen):
			status = http.StatusConflict
		case errors.Is(err, services.ErrCycleInFlight):
			status = http.StatusConflict
		case errors.Is(err, services.ErrVaultUnknown):
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":      record.ID,
		"status":  string(record.Status),
		"tx_hash": record.TxHash,
	})
}

func (s *Server) respondPreview(c *gin.Context, preview *services.OrderPreview, err error) {
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"dry_run": true, "order": preview})
}

func (s *Server) handleTrades(c *gin.Context) {
	limit := parseLimit(c, 50)
	trades, err := s.store.TradesByVault(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) handleSignals(c *gin.Context) {
	limit := parseLimit(c, 50)
	logs, err := s.store.SignalLogsByVault(c.Request.Context(), c.Param("address"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": logs})
}

func (s *Server) handlePositions(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()
	positions, err := s.reader.AccountPositions(ctx, common.HexToAddress(c.Param("address")))
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleReconciliation(c *gin.Context) {
	report, err := s.store.LatestReconciliationReport(c.Request.Context(), c.Param("address"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no reconciliation report yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleBreakersList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"vaults": s.breakers.States()})
}

func (s *Server) handleBreakerStatus(c *gin.Context) {
	breaker := s.breakers.For(c.Param("address"))
	c.JSON(http.StatusOK, gin.H{"open": breaker.Open()})
}

func (s *Server) handleBreakerResume(c *gin.Context) {
	address := c.Param("address")
	breaker := s.breakers.For(address)
	breaker.Resume()
	cpLog.Warnf("⚠️ 熔断器被人工复位: vault=%s", address)
	c.JSON(http.StatusOK, gin.H{"open": breaker.Open()})
}

func parseLimit(c *gin.Context, def int) int {
	if v := strings.TrimSpace(c.Query("limit")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			return n
		}
	}
	return def
}
