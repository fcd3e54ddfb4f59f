package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/port"
)

func newTestRouter(t *testing.T) http.Handler {
	svc := newTestServices(t)
	return NewHTTPHandler(svc.orders, svc.ledger, svc.engine, zap.NewNop()).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHTTP_OrderLifecycle(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/orders", testOrderRequest(2))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var order OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, domain.OrderStatusPending, order.Status)
	assert.Equal(t, "48.98", order.Total.StringFixed(2))

	rec = doJSON(t, h, http.MethodGet, "/api/orders/"+order.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/orders/"+order.ID+"/status", StatusHTTPRequest{Status: domain.OrderStatusShipped, Actor: "ops"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/orders/"+order.ID+"/payment", PaymentHTTPRequest{Status: domain.PaymentStatusCompleted, TransactionRef: "pay_1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, domain.OrderStatusPaid, order.Status)

	rec = doJSON(t, h, http.MethodPost, "/api/orders/"+order.ID+"/cancel", CancelHTTPRequest{Actor: "cust-1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/customers/cust-1/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var orders []OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &orders))
	assert.Len(t, orders, 1)
}

func TestHTTP_InsufficientStockReportsShortages(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/orders", testOrderRequest(9))
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Shortages, 1)
	assert.Equal(t, domain.Shortage{ProductID: "mug", Requested: 9, Available: 5}, resp.Shortages[0])
}

func TestHTTP_ErrorMapping(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodGet, "/api/orders/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := testOrderRequest(1)
	req.PaymentMethod = ""
	rec = doJSON(t, h, http.MethodPost, "/api/orders", req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "payment_method", resp.Field)

	r := httptest.NewRequest(http.MethodPost, "/api/orders", bytes.NewBufferString("{"))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	assert.Equal(t, http.StatusServiceUnavailable, statusFor(&domain.TransientError{Op: "x", Attempts: 3, Err: port.ErrOptimisticLock}))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestHTTP_InventoryEndpoints(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/inventory/seller-1/mug/adjust", AdjustHTTPRequest{Delta: -5, Type: domain.TransactionDamage, Reason: "dropped"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doJSON(t, h, http.MethodGet, "/api/inventory/seller-1/mug", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var item InventoryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, 0, item.QuantityOnHand)

	rec = doJSON(t, h, http.MethodGet, "/api/inventory/seller-1/mug/transactions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txns []TransactionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &txns))
	require.Len(t, txns, 1)
	assert.Equal(t, -5, txns[0].QuantityDelta)

	rec = doJSON(t, h, http.MethodGet, "/api/inventory/seller-1/mug/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.True(t, report.Balanced)

	rec = doJSON(t, h, http.MethodGet, "/api/inventory/seller-1/alerts", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTP_WorkflowEndpoints(t *testing.T) {
	h := newTestRouter(t)

	rec := doJSON(t, h, http.MethodPost, "/api/orders", testOrderRequest(1))
	require.Equal(t, http.StatusCreated, rec.Code)
	var order OrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))

	rec = doJSON(t, h, http.MethodPost, "/api/workflows", StartWorkflowHTTPRequest{
		SubjectID:    order.ID,
		WorkflowType: "order_approval",
		Data:         map[string]any{"order_id": order.ID},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inst WorkflowResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, domain.WorkflowStatusPending, inst.Status)
	assert.Equal(t, "manager_approval", inst.CurrentStepID)

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/"+inst.ID+"/steps/review_order/respond", RespondHTTPRequest{Type: domain.ResponseApproval})
	assert.Equal(t, http.StatusConflict, rec.Code, "stale step")

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/"+inst.ID+"/steps/manager_approval/respond", RespondHTTPRequest{
		Type:        domain.ResponseApproval,
		RespondedBy: "manager-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &inst))
	assert.Equal(t, domain.WorkflowStatusCompleted, inst.Status)
	assert.Len(t, inst.Responses, 1)

	rec = doJSON(t, h, http.MethodGet, "/api/orders/"+order.ID, nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, domain.OrderStatusConfirmed, order.Status)

	rec = doJSON(t, h, http.MethodPost, "/api/workflows/"+inst.ID+"/cancel", CancelWorkflowHTTPRequest{Reason: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHTTP_Health(t *testing.T) {
	svc := newTestServices(t)
	handler := NewHTTPHandler(svc.orders, svc.ledger, svc.engine, zap.NewNop())

	rec := doJSON(t, handler.Routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	handler.AddReadinessCheck(func(r *http.Request) error { return errors.New("redis down") })
	rec = doJSON(t, handler.Routes(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
