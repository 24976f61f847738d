package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bsm/redislock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/mmdatafocus/shipments_backend/config"
	"github.com/mmdatafocus/shipments_backend/middlewares"
	"github.com/mmdatafocus/shipments_backend/models"
	"github.com/mmdatafocus/shipments_backend/models/reports"
	"github.com/mmdatafocus/shipments_backend/utils"
	"github.com/mmdatafocus/shipments_backend/workflow"
)

const defaultPort = "8080"

var tracer trace.Tracer = otel.Tracer("shipments-backend")

// Define a struct to represent the rate limiter.
type RateLimiter struct {
	client *redis.Client
	limit  int64
	window time.Duration
}

type PubSubMessage struct {
	Message struct {
		Data []byte `json:"data,omitempty"`
		ID   string `json:"id"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func getRedisClient(redisAddress string) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddress,
	})
	return client
}

type trackingFeedPayload struct {
	BusinessId string `json:"business_id"`
	models.ContainerTrackingInput
}

func trackingPubSubHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg PubSubMessage
		logger := config.GetLogger()

		// Redis lock is a best-effort optimization; correctness does not depend
		// on it because the ingest is idempotent on the feed message id.
		redisLock := config.GetRedisLock()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			config.LogError(logger, "server.go", "trackingPubSubHandler", "io.ReadAll", nil, err)
			// Malformed request body: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// byte slice unmarshalling handles base64 decoding.
		if err := json.Unmarshal(body, &msg); err != nil {
			config.LogError(logger, "server.go", "trackingPubSubHandler", "Unmarshal body", body, err)
			// Malformed request: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		var m trackingFeedPayload
		if err := json.Unmarshal(msg.Message.Data, &m); err != nil {
			config.LogError(logger, "server.go", "trackingPubSubHandler", "Unmarshal pubsub message", msg.Message.Data, err)
			// Malformed Pub/Sub payload: ack/drop to avoid infinite retries.
			c.Status(http.StatusNoContent)
			return
		}

		// Basic validation to avoid retry loops on poisoned messages.
		if m.BusinessId == "" || m.ShipmentId <= 0 || strings.TrimSpace(m.Status) == "" {
			config.LogError(logger, "server.go", "trackingPubSubHandler", "Invalid tracking message (missing required fields)", m, fmt.Errorf("business_id/shipment_id/status required"))
			c.Status(http.StatusNoContent)
			return
		}

		// The carrier feed rarely carries its own id; the Pub/Sub message id is
		// the dedupe key then.
		input := m.ContainerTrackingInput
		if strings.TrimSpace(input.SourceMsgId) == "" {
			input.SourceMsgId = msg.Message.ID
		}

		// Best-effort: serialize updates per shipment so redelivered bursts do
		// not interleave. The monotonic last_tracked_at guard in the model is
		// what actually protects the shipment columns.
		var lock *redislock.Lock
		if redisLock == nil {
			logger.WithFields(logrus.Fields{
				"field":       "trackingPubSubHandler",
				"business_id": m.BusinessId,
				"shipment_id": m.ShipmentId,
				"message_id":  msg.Message.ID,
			}).Warn("redis lock not ready; proceeding without redis lock")
		} else {
			lock, err = redisLock.Obtain(c.Request.Context(), fmt.Sprintf("lock:%s:tracking:%d", m.BusinessId, m.ShipmentId), 30*time.Second, nil)
			if err == redislock.ErrNotObtained {
				logger.WithFields(logrus.Fields{
					"field":       "trackingPubSubHandler",
					"business_id": m.BusinessId,
					"shipment_id": m.ShipmentId,
					"message_id":  msg.Message.ID,
				}).Warn("could not obtain redis lock; proceeding without redis lock")
				lock = nil
			} else if err != nil {
				logger.WithFields(logrus.Fields{
					"field":       "trackingPubSubHandler",
					"business_id": m.BusinessId,
					"shipment_id": m.ShipmentId,
					"message_id":  msg.Message.ID,
				}).Warn("error obtaining redis lock; proceeding without redis lock: " + err.Error())
				lock = nil
			}
		}
		defer func() {
			if lock == nil {
				return
			}
			if releaseErr := lock.Release(c.Request.Context()); releaseErr != nil {
				logger.WithFields(logrus.Fields{
					"field":       "trackingPubSubHandler",
					"business_id": m.BusinessId,
					"shipment_id": m.ShipmentId,
					"message_id":  msg.Message.ID,
				}).Warn("failed to release redis lock: " + releaseErr.Error())
			}
		}()

		// Process the message as the system user.
		ctx := utils.SetBusinessIdInContext(c.Request.Context(), m.BusinessId)
		ctx = utils.SetUserIdInContext(ctx, 0)
		ctx = utils.SetUserNameInContext(ctx, "System")
		ctx = utils.SetCorrelationIdInContext(ctx, msg.Message.ID)
		ctx, span := tracer.Start(ctx, "tracking.ingest")
		defer span.End()

		applied, err := models.RecordContainerTrackingUpdate(ctx, &input)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				// An unknown shipment will never resolve by retrying: ack/drop.
				logger.WithFields(logrus.Fields{
					"field":       "trackingPubSubHandler",
					"business_id": m.BusinessId,
					"shipment_id": m.ShipmentId,
					"message_id":  msg.Message.ID,
				}).Warn("tracking update for unknown shipment dropped")
				c.Status(http.StatusNoContent)
				return
			}
			logger.WithFields(logrus.Fields{
				"field":       "trackingPubSubHandler",
				"business_id": m.BusinessId,
				"shipment_id": m.ShipmentId,
				"message_id":  msg.Message.ID,
			}).Error("tracking ingest failed: " + err.Error())
			// Non-2xx tells Pub/Sub to retry (and potentially route to DLQ).
			c.Status(http.StatusInternalServerError)
			return
		}
		if !applied {
			logger.WithFields(logrus.Fields{
				"field":       "trackingPubSubHandler",
				"business_id": m.BusinessId,
				"shipment_id": m.ShipmentId,
				"message_id":  msg.Message.ID,
			}).Info("duplicate tracking message acked")
		}

		// Success: ack.
		c.Status(http.StatusNoContent)
	}
}

// statusForError maps the domain error taxonomy onto HTTP statuses: missing
// rows are 404, lost races are 409, unmet business rules are 422 and anything
// else is a plain bad request.
func statusForError(err error) int {
	var reqErr *models.StageRequirementsError
	if errors.As(err, &reqErr) {
		return http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrIllegalTransition),
		errors.Is(err, models.ErrSkipNotAllowed),
		errors.Is(err, models.ErrOverAllocation),
		errors.Is(err, models.ErrInsufficientContainers),
		errors.Is(err, models.ErrDocumentRequirementUnmet):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadRequest
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{"error": err.Error()})
}

// bindError answers a failed JSON bind. Missing required fields come back as
// a per-field map so callers can see every violation at once.
func bindError(c *gin.Context, err error) {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "validation failed",
			"fields": utils.ProcessValidationErrors(err),
		})
		return
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
}

func idParam(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return 0, false
	}
	return id, true
}

type transitionStageRequest struct {
	ShipmentId int  `json:"shipment_id"`
	ToStage    int  `json:"to_stage"`
	DryRun     bool `json:"dry_run"`
	models.StageTransitionInput
}

func transitionStageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req transitionStageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.ShipmentId <= 0 || req.ToStage <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shipment_id and to_stage are required"})
			return
		}

		ctx, span := tracer.Start(c.Request.Context(), "shipments.transitionStage")
		defer span.End()

		result, err := models.TransitionShipmentStage(ctx, req.ShipmentId, req.ToStage, &req.StageTransitionInput, req.DryRun)
		if err != nil {
			body := gin.H{"error": err.Error()}
			if result != nil {
				body["result"] = result
			}
			c.JSON(statusForError(err), body)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(ctx)
		c.JSON(http.StatusOK, gin.H{
			"shipment_id":    req.ShipmentId,
			"result":         result,
			"correlation_id": cid,
		})
	}
}

func stageReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		toStage, err := strconv.Atoi(c.Query("to_stage"))
		if err != nil || toStage <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to_stage query parameter is required"})
			return
		}

		result, err := models.TransitionShipmentStage(c.Request.Context(), id, toStage, nil, true)
		if err != nil {
			body := gin.H{"error": err.Error()}
			if result != nil {
				body["result"] = result
			}
			c.JSON(statusForError(err), body)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

type splitShipmentRequest struct {
	ShipmentId int `json:"shipment_id"`
	models.SplitShipmentInput
}

func splitShipmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req splitShipmentRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.ShipmentId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shipment_id is required"})
			return
		}

		result, err := models.SplitShipment(c.Request.Context(), req.ShipmentId, &req.SplitShipmentInput)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"parent_shipment_id": req.ShipmentId,
			"new_shipment_id":    result.NewShipmentId,
			"correlation_id":     cid,
		})
	}
}

type upsertAllocationsRequest struct {
	ShipmentId int `json:"shipment_id"`
	models.AllocationUpsertInput
}

func upsertAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req upsertAllocationsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.ShipmentId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shipment_id is required"})
			return
		}

		result, err := models.UpsertShipmentAllocations(c.Request.Context(), req.ShipmentId, &req.AllocationUpsertInput)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"shipment_id":    req.ShipmentId,
			"updated_count":  result.UpdatedCount,
			"correlation_id": cid,
		})
	}
}

type recalculateLotsRequest struct {
	ShipmentId int `json:"shipment_id"`
}

func recalculateLotsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req recalculateLotsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.ShipmentId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shipment_id is required"})
			return
		}

		if err := models.RecalculateShipmentLots(c.Request.Context(), req.ShipmentId); err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"shipment_id":    req.ShipmentId,
			"correlation_id": cid,
		})
	}
}

func createShipmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewShipment
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		shipment, err := models.CreateShipment(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"shipment":       shipment,
			"correlation_id": cid,
		})
	}
}

func getShipmentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		shipment, err := models.GetShipment(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipment)
	}
}

func listShipmentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var poId *int
		if v := strings.TrimSpace(c.Query("po_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "po_id must be a positive integer"})
				return
			}
			poId = &n
		}
		shipments, err := models.GetShipments(c.Request.Context(), poId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, shipments)
	}
}

func getShipmentAllocationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		allocations, err := models.GetShipmentAllocations(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, allocations)
	}
}

func getStageHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		histories, err := models.GetShipmentStageHistories(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, histories)
	}
}

func getTrackingUpdatesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		updates, err := models.GetContainerTrackingUpdates(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, updates)
	}
}

func getShipmentDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		documents, err := models.GetShipmentDocuments(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, documents)
	}
}

type setDocRequirementsRequest struct {
	ShipmentId      int   `json:"shipment_id"`
	DocumentTypeIds []int `json:"document_type_ids"`
}

func setDocRequirementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req setDocRequirementsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.ShipmentId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "shipment_id is required"})
			return
		}
		if err := models.SetShipmentDocumentRequirements(c.Request.Context(), req.ShipmentId, req.DocumentTypeIds); err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"shipment_id":    req.ShipmentId,
			"correlation_id": cid,
		})
	}
}

func attachDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewShipmentDocument
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		doc, err := models.AttachShipmentDocumentFromURL(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"document":       doc,
			"correlation_id": cid,
		})
	}
}

func updateDocumentMetaHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var input models.UpdateShipmentDocument
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		doc, err := models.UpdateShipmentDocumentMeta(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, doc)
	}
}

func getDocumentHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		download, err := models.GetShipmentDocument(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, download)
	}
}

func createDocumentTypeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewDocumentType
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		docType, err := models.CreateDocumentType(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, docType)
	}
}

func listDocumentTypesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		docTypes, err := models.GetDocumentTypes(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, docTypes)
	}
}

func createPurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewPurchaseOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		po, err := models.CreatePurchaseOrder(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.JSON(http.StatusOK, gin.H{
			"purchase_order": po,
			"correlation_id": cid,
		})
	}
}

func updatePurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var input models.NewPurchaseOrder
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		po, err := models.UpdatePurchaseOrder(c.Request.Context(), id, &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, po)
	}
}

type updatePoStatusRequest struct {
	Status models.PurchaseOrderStatus `json:"status" binding:"required"`
}

func updatePurchaseOrderStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		var req updatePoStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		po, err := models.UpdatePurchaseOrderStatus(c.Request.Context(), id, req.Status)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, po)
	}
}

func getPurchaseOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := idParam(c, "id")
		if !ok {
			return
		}
		po, err := models.GetPurchaseOrder(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, po)
	}
}

func listPurchaseOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var orderNumber *string
		if v := strings.TrimSpace(c.Query("order_number")); v != "" {
			orderNumber = &v
		}
		pos, err := models.GetPurchaseOrders(c.Request.Context(), orderNumber)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, pos)
	}
}

func createBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewBusiness
		if err := c.ShouldBindJSON(&input); err != nil {
			bindError(c, err)
			return
		}
		business, err := models.CreateBusiness(c.Request.Context(), &input)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, business)
	}
}

func getBusinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		business, err := models.GetBusinessById(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, business)
	}
}

func listHistoriesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var referenceId, userId *int
		var referenceType *string
		if v := strings.TrimSpace(c.Query("reference_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "reference_id must be an integer"})
				return
			}
			referenceId = &n
		}
		if v := strings.TrimSpace(c.Query("reference_type")); v != "" {
			referenceType = &v
		}
		if v := strings.TrimSpace(c.Query("user_id")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "user_id must be an integer"})
				return
			}
			userId = &n
		}
		histories, err := models.GetHistories(c.Request.Context(), referenceId, referenceType, userId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, histories)
	}
}

func poAllocationReportHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		poId, ok := idParam(c, "poId")
		if !ok {
			return
		}
		f, err := reports.ExportPoAllocationXlsx(c.Request.Context(), poId)
		if err != nil {
			respondError(c, err)
			return
		}
		c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=po-allocations-%d.xlsx", poId))
		if err := f.Write(c.Writer); err != nil {
			config.LogError(config.GetLogger(), "server.go", "poAllocationReportHandler", "writing workbook", poId, err)
		}
	}
}

type outboxReplayRequest struct {
	BusinessId string `json:"business_id"`
	RecordId   int    `json:"record_id"`
}

func outboxReplayHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outboxReplayRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
		if req.BusinessId == "" || req.RecordId <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "business_id and record_id are required"})
			return
		}

		db := config.GetDB()
		if db == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "db is nil"})
			return
		}
		now := time.Now().UTC()
		if err := db.WithContext(c.Request.Context()).
			Model(&models.ShipmentEventRecord{}).
			Where("id = ? AND business_id = ?", req.RecordId, req.BusinessId).
			Updates(map[string]interface{}{
				"publish_status":     models.OutboxPublishStatusFailed,
				"next_attempt_at":    &now,
				"locked_at":          nil,
				"locked_by":          nil,
				"last_publish_error": nil,
			}).Error; err != nil {
			respondError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"business_id":     req.BusinessId,
			"record_id":       req.RecordId,
			"publish_status":  models.OutboxPublishStatusFailed,
			"next_attempt_at": now.Format(time.RFC3339Nano),
		})
	}
}

func listOutboxRecordsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var publishStatus *string
		if v := strings.TrimSpace(c.Query("publish_status")); v != "" {
			publishStatus = &v
		}
		limit := 0
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
				return
			}
			limit = n
		}
		records, err := models.GetShipmentEventRecords(c.Request.Context(), publishStatus, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, records)
	}
}

// cacheClearHandler flushes redis. Safe to run after offline repairs: cached
// lists repopulate on read and sequence counters reseed from the DB maximum.
func cacheClearHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := config.ClearRedis(c.Request.Context()); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "OK"})
	}
}

func customNotFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
}

func main() {
	port := os.Getenv("API_PORT")
	if port == "" {
		// Cloud Run standard env var.
		port = os.Getenv("PORT")
	}
	if port == "" {
		port = defaultPort
	}

	logger := config.GetLogger()

	// Shutdown coordination.
	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	// Start the HTTP server ASAP so Cloud Run considers the revision healthy.
	// Until DB/Redis are ready, we return 503 for app endpoints.
	r := gin.New()
	// Correlation IDs: generate once per request and attach to context.
	r.Use(func(c *gin.Context) {
		cid := c.GetHeader("x-correlation-id")
		if cid == "" {
			cid = uuid.NewString()
		}
		c.Request = c.Request.WithContext(utils.SetCorrelationIdInContext(c.Request.Context(), cid))
		c.Next()
	})
	r.Use(func(c *gin.Context) {
		// Always allow Cloud Run startup probe.
		if c.Request.URL.Path == "/healthz" {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		// Gate critical endpoints on dependency readiness.
		if config.GetDB() == nil || config.GetRedisDB() == nil {
			c.AbortWithStatus(http.StatusServiceUnavailable)
			return
		}
		c.Next()
	})

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	corsConfig := cors.DefaultConfig()
	// Production-safe CORS:
	// - In production, require explicit allowlist via CORS_ALLOWED_ORIGINS (comma-separated).
	// - In non-production, allow all (developer convenience).
	allowedOrigins := strings.TrimSpace(os.Getenv("CORS_ALLOWED_ORIGINS"))
	if strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
		if allowedOrigins == "" {
			// Safer default: deny all if not configured in production.
			corsConfig.AllowOrigins = []string{}
		} else {
			corsConfig.AllowOrigins = splitAndTrim(allowedOrigins)
		}
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AddAllowMethods("GET", "POST", "PUT", "DELETE", "OPTIONS")
	corsConfig.AddAllowHeaders("Origin", "Content-Type", "Authorization", "x-business-id", "x-user-id", "x-user-name", "x-correlation-id")
	corsConfig.AddExposeHeaders("Content-Length")
	corsConfig.AllowCredentials = true

	r.Use(cors.New(corsConfig))

	// Optional rate limiting (recommended for production).
	// Env:
	// - RATE_LIMIT_ENABLED=true
	// - RATE_LIMIT_WINDOW_SECONDS=60
	// - RATE_LIMIT_MAX_REQUESTS=600
	if strings.EqualFold(strings.TrimSpace(os.Getenv("RATE_LIMIT_ENABLED")), "true") {
		client := getRedisClient(os.Getenv("REDIS_ADDRESS"))
		limit := int64(600)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_MAX_REQUESTS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				limit = n
			}
		}
		windowSec := int64(60)
		if v := strings.TrimSpace(os.Getenv("RATE_LIMIT_WINDOW_SECONDS")); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				windowSec = n
			}
		}
		rateLimiter := NewRateLimiter(client, limit, time.Duration(windowSec)*time.Second)
		r.Use(rateLimiter.RateLimitMiddleware)
	}

	r.Use(middlewares.RequestContextMiddleware())
	r.Use(customErrorLogger(logger))
	r.Use(gin.Recovery())

	// Container tracking feed (Pub/Sub push subscription).
	r.POST("/pubsub", trackingPubSubHandler())

	r.POST("/internal/shipments", createShipmentHandler())
	r.GET("/internal/shipments", listShipmentsHandler())
	r.GET("/internal/shipments/:id", getShipmentHandler())
	r.GET("/internal/shipments/:id/stage-readiness", stageReadinessHandler())
	r.GET("/internal/shipments/:id/stage-histories", getStageHistoriesHandler())
	r.GET("/internal/shipments/:id/allocations", getShipmentAllocationsHandler())
	r.GET("/internal/shipments/:id/tracking", getTrackingUpdatesHandler())
	r.GET("/internal/shipments/:id/documents", getShipmentDocumentsHandler())
	r.POST("/internal/shipments/transition-stage", transitionStageHandler())
	r.POST("/internal/shipments/split", splitShipmentHandler())
	r.POST("/internal/shipments/allocations/upsert", upsertAllocationsHandler())
	r.POST("/internal/shipments/lots/recalculate", recalculateLotsHandler())

	r.POST("/internal/shipment-documents", attachDocumentHandler())
	r.POST("/internal/shipment-documents/requirements", setDocRequirementsHandler())
	r.PUT("/internal/shipment-documents/:id", updateDocumentMetaHandler())
	r.GET("/internal/shipment-documents/:id", getDocumentHandler())

	r.POST("/internal/document-types", createDocumentTypeHandler())
	r.GET("/internal/document-types", listDocumentTypesHandler())

	r.POST("/internal/purchase-orders", createPurchaseOrderHandler())
	r.GET("/internal/purchase-orders", listPurchaseOrdersHandler())
	r.GET("/internal/purchase-orders/:id", getPurchaseOrderHandler())
	r.PUT("/internal/purchase-orders/:id", updatePurchaseOrderHandler())
	r.PUT("/internal/purchase-orders/:id/status", updatePurchaseOrderStatusHandler())

	r.POST("/internal/businesses", createBusinessHandler())
	r.GET("/internal/businesses/:id", getBusinessHandler())

	r.GET("/internal/histories", listHistoriesHandler())
	r.GET("/internal/reports/po-allocations/:poId", poAllocationReportHandler())

	// Ops tooling: replay outbox messages that were marked DEAD/FAILED.
	r.POST("/internal/ops/outbox/replay", outboxReplayHandler())
	r.GET("/internal/ops/outbox", listOutboxRecordsHandler())
	r.POST("/internal/ops/cache/clear", cacheClearHandler())

	r.NoRoute(customNotFoundHandler)

	// Start listening immediately (Cloud Run startup probe is TCP based).
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: r,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	// Now DB is ready; run migrations.
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()
	// IMPORTANT: AutoMigrate can run DDL that blocks tables and causes 504/502 timeouts.
	// Allow disabling migrations on startup (run them as a separate job instead).
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	// Start outbox dispatcher (publishes AFTER commit).
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()
	go workflow.NewOutboxDispatcher(db, logger).Run(dispatcherCtx)

	// Set the session isolation level to READ COMMITTED
	for attempt := 1; ; attempt++ {
		err := db.Exec("SET SESSION TRANSACTION ISOLATION LEVEL READ COMMITTED").Error
		if err == nil {
			break
		}
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		logger.WithFields(logrus.Fields{
			"field":   "database",
			"attempt": attempt,
		}).Warn("failed to set isolation level; retrying in " + sleep.String() + ": " + err.Error())
		time.Sleep(sleep)
	}

	logger.WithFields(logrus.Fields{
		"info": "Connection Established",
	}).Info("shipments backend listening on port ", port)
	log.Println("Server started successfully")

	// Block until shutdown or server error.
	select {
	case <-sigCtx.Done():
		// graceful shutdown below
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "http"}).Error("server stopped unexpectedly: " + err.Error())
		}
	}

	// Stop background workers first so they don't start new work while we're draining.
	cancelDispatcher()

	// Drain HTTP requests.
	shutdownTimeout := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "http"}).Error("graceful shutdown failed: " + err.Error())
	}

	// Close Redis (best-effort).
	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}

// customErrorLogger is a custom Gin middleware that logs only errors
func customErrorLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Only log when there are errors
		if len(c.Errors) > 0 {
			logger.Error(c.Errors.String())
		}
	}
}

// Initialize a new RateLimiter instance.
func NewRateLimiter(client *redis.Client, limit int64, window time.Duration) *RateLimiter {
	return &RateLimiter{
		client: client,
		limit:  limit,
		window: window,
	}
}

// Middleware function to check rate limits.
func (rl *RateLimiter) RateLimitMiddleware(c *gin.Context) {
	// Get the IP address or user identifier from the request.
	key := c.ClientIP() // Assuming IP-based rate limiting

	// Check if the key exists in Redis.
	exists, err := rl.client.Exists(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the key doesn't exist, create it and set expiry.
	if exists == 0 {
		err := rl.client.Set(c.Request.Context(), key, 1, rl.window).Err()
		if err != nil {
			c.AbortWithError(http.StatusInternalServerError, err)
			return
		}
		c.Next()
		return
	}

	// If the key exists, get the current count.
	count, err := rl.client.Incr(c.Request.Context(), key).Result()
	if err != nil {
		c.AbortWithError(http.StatusInternalServerError, err)
		return
	}

	// If the count exceeds the limit, return an error response.
	if count > rl.limit {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": fmt.Sprintf("Rate limit exceeded. Try again in %d seconds", int(rl.window.Seconds())),
		})
		return
	}

	c.Next()
}

func splitAndTrim(csv string) []string {
	if strings.TrimSpace(csv) == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
