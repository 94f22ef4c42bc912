package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/cashback_backend/config"
	"github.com/mmdatafocus/cashback_backend/models"
	"github.com/mmdatafocus/cashback_backend/models/reports"
	"github.com/mmdatafocus/cashback_backend/store"
	"github.com/mmdatafocus/cashback_backend/utils"
	"github.com/mmdatafocus/cashback_backend/workflow"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// app holds the services behind the HTTP adapter.
type app struct {
	store       store.Store
	engine      *workflow.CommissionEngine
	ledger      *workflow.Ledger
	policy      *workflow.CommissionPolicy
	withdrawals *workflow.WithdrawalService
	network     *workflow.NetworkReporter
	dispatcher  *workflow.OutboxDispatcher
	logger      *logrus.Logger
}

func newApp(s store.Store, locker workflow.AffiliateLocker, cache workflow.PolicyCache, publisher workflow.Publisher, logger *logrus.Logger) *app {
	ledger := workflow.NewLedger(s, logger)
	policy := &workflow.CommissionPolicy{Store: s, Cache: cache, Logger: logger}
	return &app{
		store:       s,
		engine:      workflow.NewCommissionEngine(s, policy, ledger, locker, logger),
		ledger:      ledger,
		policy:      policy,
		withdrawals: workflow.NewWithdrawalService(s, ledger, logger),
		network:     &workflow.NetworkReporter{Store: s},
		dispatcher:  workflow.NewOutboxDispatcher(s, publisher, logger),
		logger:      logger,
	}
}

func (a *app) registerRoutes(r *gin.Engine) {
	r.POST("/pubsub/purchases", a.purchasePubSubHandler())
	r.GET("/affiliates/:id/balance", a.balanceHandler())
	r.GET("/affiliates/:id/withdrawals", a.listWithdrawalsHandler())
	r.POST("/affiliates/:id/withdrawals", a.createWithdrawalHandler())
	r.POST("/withdrawals/:id/status", a.withdrawalStatusHandler())
	r.GET("/affiliates/:id/network", a.networkHandler())
	r.GET("/affiliates/:id/network.xlsx", a.networkExcelHandler())
	r.GET("/commission-levels", a.commissionLevelsHandler())
	r.PUT("/commission-levels", a.replaceCommissionLevelsHandler())
	// Ops tooling (admin only): replay ledger events that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", a.outboxReplayHandler())
}

// purchasePubSubHandler acks malformed messages and finished runs. A run that left the
// purchase open answers 500 so Pub/Sub redelivers it.
func (a *app) purchasePubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(a.logger, "server.go", "purchasePubSubHandler", "io.ReadAll", nil, err)
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(a.logger, "server.go", "purchasePubSubHandler", "Unmarshal body", string(body), err)
			c.Status(http.StatusNoContent)
			return
		}

		var m config.PurchaseEventMessage
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(a.logger, "server.go", "purchasePubSubHandler", "Unmarshal pubsub message", string(msg.Message.Data), err)
			c.Status(http.StatusNoContent)
			return
		}

		ev, err := workflow.PurchaseEventFromMessage(m)
		if err != nil {
			config.LogError(a.logger, "server.go", "purchasePubSubHandler", "Invalid pubsub message", m, err)
			c.Status(http.StatusNoContent)
			return
		}

		// Prefer payload correlation_id; fall back to the Pub/Sub message ID.
		correlationId := m.CorrelationId
		if correlationId == "" {
			correlationId = msg.Message.ID
		}
		ctx := c.Request.Context()
		if correlationId != "" {
			ctx = utils.SetCorrelationIdInContext(ctx, correlationId)
		}
		ctx = utils.SetActorNameInContext(ctx, "System")

		if err := workflow.RecordPurchase(ctx, a.store, ev); err != nil {
			config.LogError(a.logger, "server.go", "purchasePubSubHandler", "Recording purchase", ev.PurchaseId, err)
		}
		summary := a.engine.Distribute(ctx, ev)
		fields := logrus.Fields{
			"field":             "purchasePubSubHandler",
			"purchase_id":       summary.PurchaseId,
			"message_id":        msg.Message.ID,
			"correlation_id":    correlationId,
			"levels_paid":       summary.LevelsPaid,
			"total_distributed": summary.TotalDistributed.String(),
			"platform_share":    summary.PlatformShare.String(),
			"aborted":           summary.Aborted,
			"skipped":           summary.Skipped,
		}
		if summary.Retryable {
			a.logger.WithFields(fields).Error("purchase not finished: " + summary.AbortReason)
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		a.logger.WithFields(fields).Info("purchase processed")
		c.Status(http.StatusNoContent)
	}
}

func (a *app) balanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		bal, err := a.ledger.GetBalance(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"balance":       bal,
			"net_available": workflow.NetAvailable(&models.LedgerAccount{
				TotalEarnings:    bal.TotalEarnings,
				AvailableBalance: bal.AvailableBalance,
			}),
		})
	}
}

type createWithdrawalRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (a *app) createWithdrawalHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createWithdrawalRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		w, err := a.withdrawals.CreateWithdrawal(c.Request.Context(), c.Param("id"), req.Amount)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, w)
	}
}

func (a *app) listWithdrawalsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := a.withdrawals.ListWithdrawals(c.Request.Context(), c.Param("id"))
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, list)
	}
}

type withdrawalStatusRequest struct {
	Status string `json:"status" validate:"required"`
}

func (a *app) withdrawalStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		var req withdrawalStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.Validator().Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		w, err := a.withdrawals.SetWithdrawalStatus(c.Request.Context(), c.Param("id"), models.WithdrawalStatus(req.Status))
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, w)
	}
}

func depthParam(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("depth"))
	if err != nil {
		return 0
	}
	return n
}

func (a *app) networkHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if c.Query("view") == "tree" {
			tree, err := a.network.Tree(ctx, c.Param("id"), depthParam(c))
			if err != nil {
				a.writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, tree)
			return
		}
		counts, err := a.network.LevelCounts(ctx, c.Param("id"), depthParam(c))
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"affiliate_id": c.Param("id"), "levels": counts})
	}
}

func (a *app) networkExcelHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		depth := depthParam(c)
		counts, err := a.network.LevelCounts(ctx, id, depth)
		if err != nil {
			a.writeError(c, err)
			return
		}
		tree, err := a.network.Tree(ctx, id, depth)
		if err != nil {
			a.writeError(c, err)
			return
		}
		var buf bytes.Buffer
		if err := reports.WriteNetworkExcel(&buf, id, counts, flattenNetwork(tree)); err != nil {
			a.writeError(c, err)
			return
		}
		c.Header("Content-Disposition", `attachment; filename="network-`+id+`.xlsx"`)
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
	}
}

// flattenNetwork lists every node below root, level by level.
func flattenNetwork(root *workflow.NetworkNode) []reports.NetworkMember {
	var members []reports.NetworkMember
	type item struct {
		node    *workflow.NetworkNode
		sponsor string
	}
	queue := make([]item, 0, len(root.Children))
	for _, ch := range root.Children {
		queue = append(queue, item{ch, root.AffiliateId})
	}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]
		members = append(members, reports.NetworkMember{
			Level:       it.node.Level,
			AffiliateId: it.node.AffiliateId,
			Name:        it.node.Name,
			SponsorId:   it.sponsor,
			IsActive:    it.node.IsActive,
		})
		for _, ch := range it.node.Children {
			queue = append(queue, item{ch, it.node.AffiliateId})
		}
	}
	return members
}

func (a *app) commissionLevelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		levels, err := a.policy.ActiveLevels(c.Request.Context())
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, levels)
	}
}

func (a *app) replaceCommissionLevelsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		var req []workflow.LevelInput
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		levels, err := a.policy.Replace(c.Request.Context(), req)
		if err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, levels)
	}
}

type outboxReplayRequest struct {
	RecordId int `json:"record_id" validate:"required,gt=0"`
}

func (a *app) outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !utils.IsAdminFromContext(c.Request.Context()) {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		if err := utils.Validator().Struct(req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"errors": utils.ProcessValidationErrors(err)})
			return
		}
		if err := a.dispatcher.Requeue(c.Request.Context(), req.RecordId); err != nil {
			a.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"record_id":      req.RecordId,
			"publish_status": models.OutboxPublishStatusFailed,
		})
	}
}

// writeError maps domain errors onto HTTP statuses. Withdrawal rejections carry their reason verbatim.
func (a *app) writeError(c *gin.Context, err error) {
	if reason, ok := workflow.WithdrawalReasonOf(err); ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"reason": reason})
		return
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, workflow.ErrInvalidPolicy):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
