package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type RouterConfig struct {
	// JWTSecret enables bearer auth on the wallet routes when set.
	JWTSecret      string
	AdminTokenHash string
	Gatherer       prometheus.Gatherer
}

func NewRouter(h *Handler, cfg RouterConfig, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	r := gin.New()
	r.Use(RequestLogger(log), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	// Provider callbacks carry their own signature, not a user token.
	if h.Verifier != nil {
		r.POST("/wallet/webhooks/provider", h.ProviderWebhook)
	}

	w := r.Group("/wallet")
	if cfg.JWTSecret != "" {
		w.Use(UserAuth(cfg.JWTSecret))
	}
	{
		w.POST("/orders", h.CreateOrder)
		w.POST("/orders/:orderRef/capture", h.CaptureOrder)
		w.GET("/balance/:userId", h.GetBalance)
		w.GET("/balance/:userId/stream", h.BalanceStream)
		w.GET("/transactions/:userId", h.ListTransactions)
		w.POST("/spend", h.Spend)
	}

	admin := r.Group("/admin", AdminAuth(cfg.AdminTokenHash, log))
	{
		admin.POST("/wallet/adjustments", h.CreateAdjustment)
		admin.POST("/wallet/:userId/resume", h.ResumeAccount)
		admin.POST("/reconciliation/run", h.RunReconciliation)
		admin.GET("/reconciliation/alarms", h.ListAlarms)
	}

	return r
}
