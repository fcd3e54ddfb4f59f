package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/service"
	"github.com/rl1809/commerce-core/internal/core/workflow"
)

type HTTPHandler struct {
	orders   *service.OrderService
	ledger   *service.LedgerService
	engine   *workflow.Engine
	logger   *zap.Logger
	readyFns []func(r *http.Request) error
}

func NewHTTPHandler(orders *service.OrderService, ledger *service.LedgerService, engine *workflow.Engine, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{orders: orders, ledger: ledger, engine: engine, logger: logger}
}

// AddReadinessCheck registers a dependency check reported by /health.
func (h *HTTPHandler) AddReadinessCheck(fn func(r *http.Request) error) {
	h.readyFns = append(h.readyFns, fn)
}

func (h *HTTPHandler) Routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/orders", h.CreateOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}", h.GetOrder).Methods(http.MethodGet)
	api.HandleFunc("/orders/{id}/status", h.UpdateOrderStatus).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/cancel", h.CancelOrder).Methods(http.MethodPost)
	api.HandleFunc("/orders/{id}/payment", h.UpdatePayment).Methods(http.MethodPost)
	api.HandleFunc("/customers/{id}/orders", h.ListCustomerOrders).Methods(http.MethodGet)

	api.HandleFunc("/inventory", h.RegisterItem).Methods(http.MethodPost)
	api.HandleFunc("/inventory/{owner}/alerts", h.ListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{owner}/{product}", h.GetItem).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{owner}/{product}/adjust", h.AdjustStock).Methods(http.MethodPost)
	api.HandleFunc("/inventory/{owner}/{product}/transactions", h.ListTransactions).Methods(http.MethodGet)
	api.HandleFunc("/inventory/{owner}/{product}/reconcile", h.Reconcile).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/read", h.MarkAlertRead).Methods(http.MethodPost)

	api.HandleFunc("/workflows", h.StartWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", h.GetWorkflow).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/steps/{step}", h.ExecuteStep).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/steps/{step}/respond", h.RespondToStep).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/steps/{step}/skip", h.SkipStep).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/cancel", h.CancelWorkflow).Methods(http.MethodPost)
	return r
}

type ErrorResponse struct {
	Error     string            `json:"error"`
	Field     string            `json:"field,omitempty"`
	Shortages []domain.Shortage `json:"shortages,omitempty"`
}

type addressJSON struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

type lineJSON struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	RequestID       string      `json:"request_id"`
	CustomerID      string      `json:"customer_id"`
	Items           []lineJSON  `json:"items"`
	ShippingAddress addressJSON `json:"shipping_address"`
	PaymentMethod   string      `json:"payment_method"`
}

func (req CreateOrderRequest) toService() service.CreateOrderRequest {
	lines := make([]domain.StockLine, len(req.Items))
	for i, l := range req.Items {
		lines[i] = domain.StockLine{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return service.CreateOrderRequest{
		RequestID:       req.RequestID,
		CustomerID:      req.CustomerID,
		Items:           lines,
		ShippingAddress: domain.Address(req.ShippingAddress),
		PaymentMethod:   req.PaymentMethod,
	}
}

type OrderItemResponse struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type TrackingResponse struct {
	Status    domain.OrderStatus `json:"status"`
	Timestamp time.Time          `json:"timestamp"`
	Actor     string             `json:"actor"`
	Note      string             `json:"note,omitempty"`
}

type OrderResponse struct {
	ID              string               `json:"id"`
	CustomerID      string               `json:"customer_id"`
	SellerID        string               `json:"seller_id"`
	Status          domain.OrderStatus   `json:"status"`
	Items           []OrderItemResponse  `json:"items"`
	Subtotal        decimal.Decimal      `json:"subtotal"`
	Shipping        decimal.Decimal      `json:"shipping"`
	Tax             decimal.Decimal      `json:"tax"`
	Discount        decimal.Decimal      `json:"discount"`
	Total           decimal.Decimal      `json:"total"`
	PaymentMethod   string               `json:"payment_method"`
	PaymentStatus   domain.PaymentStatus `json:"payment_status"`
	PaymentRef      string               `json:"payment_ref,omitempty"`
	ShippingAddress addressJSON          `json:"shipping_address"`
	Tracking        []TrackingResponse   `json:"tracking"`
	Version         int                  `json:"version"`
	CreatedAt       time.Time            `json:"created_at"`
	UpdatedAt       time.Time            `json:"updated_at"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	tracking := make([]TrackingResponse, len(o.TrackingHistory))
	for i, e := range o.TrackingHistory {
		tracking[i] = TrackingResponse{Status: e.Status, Timestamp: e.Timestamp, Actor: e.Actor, Note: e.Note}
	}
	return OrderResponse{
		ID:              o.ID,
		CustomerID:      o.CustomerID,
		SellerID:        o.SellerID,
		Status:          o.Status,
		Items:           items,
		Subtotal:        o.Amounts.Subtotal,
		Shipping:        o.Amounts.Shipping,
		Tax:             o.Amounts.Tax,
		Discount:        o.Amounts.Discount,
		Total:           o.Amounts.Total,
		PaymentMethod:   o.Payment.Method,
		PaymentStatus:   o.Payment.Status,
		PaymentRef:      o.Payment.TransactionRef,
		ShippingAddress: addressJSON(o.ShippingAddress),
		Tracking:        tracking,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (h *HTTPHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.CreateOrder(r.Context(), req.toService())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toOrderResponse(order))
}

func (h *HTTPHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.GetOrder(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

func (h *HTTPHandler) ListCustomerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.orders.ListCustomerOrders(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]OrderResponse, len(orders))
	for i := range orders {
		out[i] = toOrderResponse(&orders[i])
	}
	writeJSON(w, http.StatusOK, out)
}

type StatusHTTPRequest struct {
	Status domain.OrderStatus `json:"status"`
	Actor  string             `json:"actor"`
	Note   string             `json:"note"`
}

func (h *HTTPHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.UpdateStatus(r.Context(), mux.Vars(r)["id"], req.Status, req.Actor, req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type CancelHTTPRequest struct {
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func (h *HTTPHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.CancelOrder(r.Context(), mux.Vars(r)["id"], req.Actor, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type PaymentHTTPRequest struct {
	Status         domain.PaymentStatus `json:"status"`
	TransactionRef string               `json:"transaction_ref"`
}

func (h *HTTPHandler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	var req PaymentHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := h.orders.UpdatePaymentStatus(r.Context(), mux.Vars(r)["id"], req.Status, req.TransactionRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

type RegisterItemHTTPRequest struct {
	OwnerID      string                 `json:"owner_id"`
	ProductID    string                 `json:"product_id"`
	SKU          string                 `json:"sku"`
	Name         string                 `json:"name"`
	Price        decimal.Decimal        `json:"price"`
	Quantity     int                    `json:"quantity"`
	ReorderPoint int                    `json:"reorder_point"`
	MaximumStock int                    `json:"maximum_stock"`
	Status       domain.InventoryStatus `json:"status"`
}

type InventoryResponse struct {
	ID               string                 `json:"id"`
	OwnerID          string                 `json:"owner_id"`
	ProductID        string                 `json:"product_id"`
	SKU              string                 `json:"sku"`
	QuantityOnHand   int                    `json:"quantity_on_hand"`
	ReservedQuantity int                    `json:"reserved_quantity"`
	Available        int                    `json:"available"`
	ReorderPoint     int                    `json:"reorder_point"`
	MaximumStock     int                    `json:"maximum_stock"`
	Status           domain.InventoryStatus `json:"status"`
	Version          int                    `json:"version"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

func toInventoryResponse(item *domain.InventoryItem) InventoryResponse {
	return InventoryResponse{
		ID:               item.ID,
		OwnerID:          item.OwnerID,
		ProductID:        item.ProductID,
		SKU:              item.SKU,
		QuantityOnHand:   item.QuantityOnHand,
		ReservedQuantity: item.ReservedQuantity,
		Available:        item.Available(),
		ReorderPoint:     item.ReorderPoint,
		MaximumStock:     item.MaximumStock,
		Status:           item.Status,
		Version:          item.Version,
		UpdatedAt:        item.UpdatedAt,
	}
}

func (h *HTTPHandler) RegisterItem(w http.ResponseWriter, r *http.Request) {
	var req RegisterItemHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.ledger.RegisterItem(r.Context(), service.RegisterItemRequest(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInventoryResponse(item))
}

func (h *HTTPHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	item, err := h.ledger.GetItem(r.Context(), vars["owner"], vars["product"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toInventoryResponse(item))
}

type AdjustHTTPRequest struct {
	Delta       int                    `json:"delta"`
	Type        domain.TransactionType `json:"type"`
	Reason      string                 `json:"reason"`
	Reference   string                 `json:"reference"`
	PerformedBy string                 `json:"performed_by"`
}

type TransactionResponse struct {
	ID             string                 `json:"id"`
	Type           domain.TransactionType `json:"type"`
	QuantityDelta  int                    `json:"quantity_delta"`
	QuantityBefore int                    `json:"quantity_before"`
	QuantityAfter  int                    `json:"quantity_after"`
	Reason         string                 `json:"reason,omitempty"`
	Reference      string                 `json:"reference,omitempty"`
	PerformedBy    string                 `json:"performed_by,omitempty"`
	PerformedAt    time.Time              `json:"performed_at"`
}

func toTransactionResponse(t domain.InventoryTransaction) TransactionResponse {
	return TransactionResponse{
		ID:             t.ID,
		Type:           t.Type,
		QuantityDelta:  t.QuantityDelta,
		QuantityBefore: t.QuantityBefore,
		QuantityAfter:  t.QuantityAfter,
		Reason:         t.Reason,
		Reference:      t.Reference,
		PerformedBy:    t.PerformedBy,
		PerformedAt:    t.PerformedAt,
	}
}

func (h *HTTPHandler) AdjustStock(w http.ResponseWriter, r *http.Request) {
	var req AdjustHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	txn, err := h.ledger.Adjust(r.Context(), service.AdjustRequest{
		OwnerID:     vars["owner"],
		ProductID:   vars["product"],
		Delta:       req.Delta,
		Type:        req.Type,
		Reason:      req.Reason,
		Reference:   req.Reference,
		PerformedBy: req.PerformedBy,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionResponse(*txn))
}

func (h *HTTPHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	txns, err := h.ledger.Transactions(r.Context(), vars["owner"], vars["product"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]TransactionResponse, len(txns))
	for i, t := range txns {
		out[i] = toTransactionResponse(t)
	}
	writeJSON(w, http.StatusOK, out)
}

type ReconcileResponse struct {
	InitialQuantity int  `json:"initial_quantity"`
	DeltaSum        int  `json:"delta_sum"`
	QuantityOnHand  int  `json:"quantity_on_hand"`
	Entries         int  `json:"entries"`
	Balanced        bool `json:"balanced"`
}

func (h *HTTPHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	report, err := h.ledger.Reconcile(r.Context(), vars["owner"], vars["product"])
	if err != nil && !errors.Is(err, domain.ErrLedgerMismatch) {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ReconcileResponse{
		InitialQuantity: report.InitialQuantity,
		DeltaSum:        report.DeltaSum,
		QuantityOnHand:  report.QuantityOnHand,
		Entries:         report.Entries,
		Balanced:        err == nil,
	})
}

type AlertResponse struct {
	ID         string               `json:"id"`
	ProductID  string               `json:"product_id"`
	Type       domain.AlertType     `json:"type"`
	Severity   domain.AlertSeverity `json:"severity"`
	Quantity   int                  `json:"quantity"`
	IsRead     bool                 `json:"is_read"`
	CreatedAt  time.Time            `json:"created_at"`
	ResolvedAt *time.Time           `json:"resolved_at,omitempty"`
}

func (h *HTTPHandler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	unresolved := r.URL.Query().Get("unresolved") == "true"
	alerts, err := h.ledger.Alerts(r.Context(), mux.Vars(r)["owner"], unresolved)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]AlertResponse, len(alerts))
	for i, a := range alerts {
		out[i] = AlertResponse{
			ID:         a.ID,
			ProductID:  a.ProductID,
			Type:       a.Type,
			Severity:   a.Severity,
			Quantity:   a.Quantity,
			IsRead:     a.IsRead,
			CreatedAt:  a.CreatedAt,
			ResolvedAt: a.ResolvedAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *HTTPHandler) MarkAlertRead(w http.ResponseWriter, r *http.Request) {
	if err := h.ledger.MarkAlertRead(r.Context(), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type StartWorkflowHTTPRequest struct {
	SubjectID    string         `json:"subject_id"`
	WorkflowType string         `json:"workflow_type"`
	Data         map[string]any `json:"data"`
}

type ResponseRecord struct {
	StepID      string              `json:"step_id"`
	Type        domain.ResponseType `json:"type"`
	Data        map[string]any      `json:"data,omitempty"`
	Message     string              `json:"message,omitempty"`
	RespondedBy string              `json:"responded_by,omitempty"`
	RespondedAt time.Time           `json:"responded_at"`
}

type WorkflowResponse struct {
	ID            string                `json:"id"`
	SubjectID     string                `json:"subject_id"`
	WorkflowType  string                `json:"workflow_type"`
	CurrentStepID string                `json:"current_step_id"`
	Status        domain.WorkflowStatus `json:"status"`
	ContextData   map[string]any        `json:"context_data"`
	Responses     []ResponseRecord      `json:"responses"`
	StepDeadline  *time.Time            `json:"step_deadline,omitempty"`
	Version       int                   `json:"version"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

func toWorkflowResponse(inst *domain.WorkflowInstance) WorkflowResponse {
	responses := make([]ResponseRecord, len(inst.Responses))
	for i, r := range inst.Responses {
		responses[i] = ResponseRecord(r)
	}
	return WorkflowResponse{
		ID:            inst.ID,
		SubjectID:     inst.SubjectID,
		WorkflowType:  inst.WorkflowType,
		CurrentStepID: inst.CurrentStepID,
		Status:        inst.Status,
		ContextData:   inst.ContextData,
		Responses:     responses,
		StepDeadline:  inst.StepDeadline,
		Version:       inst.Version,
		CreatedAt:     inst.CreatedAt,
		UpdatedAt:     inst.UpdatedAt,
	}
}

func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req StartWorkflowHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := h.engine.Start(r.Context(), req.SubjectID, req.WorkflowType, req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toWorkflowResponse(inst))
}

func (h *HTTPHandler) GetWorkflow(w http.ResponseWriter, r *http.Request) {
	inst, err := h.engine.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(inst))
}

type ExecuteStepHTTPRequest struct {
	Data map[string]any `json:"data"`
}

func (h *HTTPHandler) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	var req ExecuteStepHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	inst, err := h.engine.ExecuteStep(r.Context(), vars["id"], vars["step"], req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(inst))
}

type RespondHTTPRequest struct {
	Type        domain.ResponseType `json:"type"`
	Data        map[string]any      `json:"data"`
	Message     string              `json:"message"`
	RespondedBy string              `json:"responded_by"`
}

func (h *HTTPHandler) RespondToStep(w http.ResponseWriter, r *http.Request) {
	var req RespondHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	vars := mux.Vars(r)
	inst, err := h.engine.Respond(r.Context(), vars["id"], vars["step"], workflow.Response(req))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(inst))
}

func (h *HTTPHandler) SkipStep(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	inst, err := h.engine.SkipStep(r.Context(), vars["id"], vars["step"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(inst))
}

type CancelWorkflowHTTPRequest struct {
	Reason string `json:"reason"`
}

func (h *HTTPHandler) CancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req CancelWorkflowHTTPRequest
	if !decode(w, r, &req) {
		return
	}
	inst, err := h.engine.Cancel(r.Context(), mux.Vars(r)["id"], req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWorkflowResponse(inst))
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	for _, check := range h.readyFns {
		if err := check(r); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps the domain error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case domain.IsRetryable(err):
		return http.StatusServiceUnavailable
	case domain.IsBusinessRule(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		resp.Field = verr.Field
	}
	var stock *domain.InsufficientStockError
	if errors.As(err, &stock) {
		resp.Shortages = stock.Shortages
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		resp.Error = "internal error"
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
