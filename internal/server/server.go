// Package server exposes the HTTP surface: webhook intake, the manual scan
// trigger, and operational endpoints.
package server

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/clubworks/memberd/internal/audit"
	auditdomain "github.com/clubworks/memberd/internal/audit/domain"
	"github.com/clubworks/memberd/internal/auditcontext"
	"github.com/clubworks/memberd/internal/cancellation"
	"github.com/clubworks/memberd/internal/clock"
	"github.com/clubworks/memberd/internal/config"
	"github.com/clubworks/memberd/internal/dunning"
	dunningdomain "github.com/clubworks/memberd/internal/dunning/domain"
	"github.com/clubworks/memberd/internal/member"
	"github.com/clubworks/memberd/internal/observability/metrics"
	"github.com/clubworks/memberd/internal/payment"
	paymentdomain "github.com/clubworks/memberd/internal/payment/domain"
	"github.com/clubworks/memberd/internal/payment/webhook"
	"github.com/clubworks/memberd/internal/providers/email"
	paymentprovider "github.com/clubworks/memberd/internal/providers/payment"
	"github.com/clubworks/memberd/internal/ratelimit"
	"github.com/clubworks/memberd/internal/subscription"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

var Module = fx.Module("http.server",
	metrics.Module,
	audit.Module,
	member.Module,
	subscription.Module,
	email.Module,
	paymentprovider.Module,
	ratelimit.Module,
	dunning.Module,
	cancellation.Module,
	payment.Module,
	fx.Provide(NewEngine),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(run),
)

func NewEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	return r
}

type RouteParams struct {
	fx.In

	Engine     *gin.Engine
	Log        *zap.Logger
	Clock      clock.Clock
	Metrics    *metrics.Metrics
	WebhookSvc paymentdomain.WebhookService
	DunningSvc dunningdomain.Service
	AuditSvc   auditdomain.Service
	Limiter    *ratelimit.WebhookLimiter `optional:"true"`
}

func RegisterRoutes(p RouteParams) {
	log := p.Log.Named("server")

	p.Engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(
		p.Metrics.Registry,
		promhttp.HandlerOpts{},
	)))

	p.Engine.POST("/webhooks/payments", func(c *gin.Context) {
		if p.Limiter.Enabled() {
			verdict, err := p.Limiter.Allow(c.Request.Context(), c.ClientIP())
			if err != nil {
				// Limiter outages must not drop gateway traffic.
				log.Warn("webhook rate limiter unavailable", zap.Error(err))
			} else if !verdict.Allowed {
				c.Header("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())+1))
				c.JSON(http.StatusTooManyRequests, errorBody("rate_limited", "too many requests"))
				return
			}
		}

		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid_request", "unreadable body"))
			return
		}

		ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeGateway), "webhook")
		result, err := p.WebhookSvc.IngestWebhook(ctx, payload, c.GetHeader(webhook.SignatureHeader))
		if err != nil {
			status, body := mapIntakeError(err)
			c.JSON(status, body)
			return
		}

		switch result.Status {
		case paymentdomain.IngestRejected:
			c.JSON(http.StatusUnprocessableEntity, result)
		default:
			// Duplicates are acknowledged with 200 so the gateway stops
			// retrying.
			c.JSON(http.StatusOK, result)
		}
	})

	p.Engine.POST("/internal/scan", func(c *gin.Context) {
		ctx := auditcontext.WithActor(c.Request.Context(), string(auditdomain.ActorTypeSystem), "manual_scan")
		summary, err := p.DunningSvc.ScanDue(ctx, p.Clock.Now())
		if err != nil {
			if err == dunningdomain.ErrScanInProgress {
				c.JSON(http.StatusConflict, errorBody("conflict", "scan already in progress"))
				return
			}
			log.Error("manual scan failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, errorBody("internal_error", "scan failed"))
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	p.Engine.GET("/internal/audit-logs", func(c *gin.Context) {
		var req auditdomain.ListAuditLogRequest
		if err := c.ShouldBindQuery(&req.Pagination); err != nil {
			c.JSON(http.StatusBadRequest, errorBody("invalid_request", err.Error()))
			return
		}
		req.Action = c.Query("action")
		req.TargetType = c.Query("target_type")
		req.TargetID = c.Query("target_id")
		req.ActorType = c.Query("actor_type")

		resp, err := p.AuditSvc.List(c.Request.Context(), req)
		if err != nil {
			status, body := mapAuditError(err)
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, resp)
	})
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
