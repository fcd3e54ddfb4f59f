package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/workflow"
)

func newApprovalEngine(t *testing.T, env *testEnv) *workflow.Engine {
	t.Helper()
	defs, err := workflow.BuiltinDefinitions()
	require.NoError(t, err)

	engine, err := workflow.New(env.store, env.dispatcher, zap.NewNop(), workflow.WithDefinitions(defs...))
	require.NoError(t, err)
	RegisterOrderWorkflowActions(engine, env.orders)
	return engine
}

func startApproval(t *testing.T, env *testEnv, engine *workflow.Engine) (*domain.Order, *domain.WorkflowInstance) {
	t.Helper()
	ctx := context.Background()
	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 4}))
	require.NoError(t, err)

	inst, err := engine.Start(ctx, order.ID, OrderApprovalWorkflow, map[string]any{"order_id": order.ID})
	require.NoError(t, err)
	require.Equal(t, "manager_approval", inst.CurrentStepID)
	require.Equal(t, domain.WorkflowStatusPending, inst.Status)
	assert.Equal(t, "cust-1", inst.ContextData["customer_id"])
	assert.Equal(t, "seller-1", inst.ContextData["seller_id"])
	return order, inst
}

func TestOrderApproval_ApproveConfirmsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	engine := newApprovalEngine(t, env)
	ctx := context.Background()

	order, inst := startApproval(t, env, engine)

	inst, err := engine.Respond(ctx, inst.ID, "manager_approval", workflow.Response{
		Type:        domain.ResponseApproval,
		RespondedBy: "manager-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, "notify_approved", inst.CurrentStepID)

	confirmed, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, confirmed.Status)
	last := confirmed.TrackingHistory[len(confirmed.TrackingHistory)-1]
	assert.Equal(t, "manager-1", last.Actor)
	assert.Equal(t, 6, env.onHand(t, "seller-1", "mug"))

	env.dispatcher.Wait()
	assert.ElementsMatch(t, []string{"order_created", "order_confirmed", "order_approved"}, env.notifier.templatesFor("cust-1"))
}

func TestOrderApproval_RejectCancelsOrder(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	engine := newApprovalEngine(t, env)
	ctx := context.Background()

	order, inst := startApproval(t, env, engine)
	assert.Equal(t, 6, env.onHand(t, "seller-1", "mug"))

	inst, err := engine.Respond(ctx, inst.ID, "manager_approval", workflow.Response{
		Type:        domain.ResponseRejection,
		Message:     "address outside delivery area",
		RespondedBy: "manager-2",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, "notify_rejected", inst.CurrentStepID)

	cancelled, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 10, env.onHand(t, "seller-1", "mug"))

	_, err = env.ledger.Reconcile(ctx, "seller-1", "mug")
	assert.NoError(t, err)
}

func TestOrderApproval_ReviewFailsForConfirmedOrder(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	engine := newApprovalEngine(t, env)
	ctx := context.Background()

	order, err := env.orders.CreateOrder(ctx, orderRequest("cust-1", domain.StockLine{ProductID: "mug", Quantity: 1}))
	require.NoError(t, err)
	_, err = env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed, "ops", "")
	require.NoError(t, err)

	// review fails, the failure edge rejects, and a confirmed order can still be cancelled
	inst, err := engine.Start(ctx, order.ID, OrderApprovalWorkflow, map[string]any{"order_id": order.ID})
	require.NoError(t, err)
	assert.Equal(t, "notify_rejected", inst.CurrentStepID)
	assert.Contains(t, inst.ContextData["last_error"], "expected pending")

	current, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, current.Status)
}

func TestOrderApproval_RepeatedRespondAfterOrderMoved(t *testing.T) {
	env := newTestEnv(t)
	env.stock(t, "seller-1", "mug", 10, 0, "5.00")
	engine := newApprovalEngine(t, env)
	ctx := context.Background()

	order, inst := startApproval(t, env, engine)

	// the confirm committed but the workflow write did not
	_, err := env.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed, "manager-1", "approved")
	require.NoError(t, err)

	inst, err = engine.Respond(ctx, inst.ID, "manager_approval", workflow.Response{
		Type:        domain.ResponseApproval,
		RespondedBy: "manager-1",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.WorkflowStatusCompleted, inst.Status)
	assert.Equal(t, "approved", inst.ContextData["outcome"])

	current, err := env.orders.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, current.Status)
	assert.Len(t, current.TrackingHistory, 2, "confirmed exactly once")
}
