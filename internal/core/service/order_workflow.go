package service

import (
	"context"
	"fmt"

	"github.com/rl1809/commerce-core/internal/core/domain"
	"github.com/rl1809/commerce-core/internal/core/workflow"
)

const OrderApprovalWorkflow = "order_approval"

// ActionRegistry is the part of the workflow engine that accepts actions.
type ActionRegistry interface {
	RegisterAction(workflowType, stepID string, fn workflow.Action)
}

// RegisterOrderWorkflowActions binds the order approval system steps to the
// order service. Each action checks the order's current status first so a
// re-run after a retried unit of work is a no-op.
//
// The order change commits in its own unit. When the workflow write then fails
// with a TransientError the order has moved but the instance is still parked
// at manager_approval; the caller must repeat Respond, which re-runs the
// action as a no-op and advances the instance.
func RegisterOrderWorkflowActions(registry ActionRegistry, orders *OrderService) {
	registry.RegisterAction(OrderApprovalWorkflow, "review_order", func(ctx context.Context, inst domain.WorkflowInstance) (map[string]any, error) {
		order, err := orders.GetOrder(ctx, orderIDFrom(inst))
		if err != nil {
			return nil, err
		}
		if order.Status != domain.OrderStatusPending {
			return nil, fmt.Errorf("order %s is %s, expected pending", order.ID, order.Status)
		}
		return map[string]any{
			"customer_id": order.CustomerID,
			"seller_id":   order.SellerID,
			"total":       order.Amounts.Total.String(),
		}, nil
	})

	registry.RegisterAction(OrderApprovalWorkflow, "confirm_order", func(ctx context.Context, inst domain.WorkflowInstance) (map[string]any, error) {
		order, err := orders.GetOrder(ctx, orderIDFrom(inst))
		if err != nil {
			return nil, err
		}
		if order.Status == domain.OrderStatusPending {
			if _, err := orders.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed, approver(inst), "approved"); err != nil {
				return nil, err
			}
		} else if order.Status != domain.OrderStatusConfirmed && domain.OrderStatusConfirmed.PathTo(order.Status) == nil {
			return nil, &domain.InvalidTransitionError{OrderID: order.ID, From: order.Status, To: domain.OrderStatusConfirmed}
		}
		return map[string]any{"outcome": "approved"}, nil
	})

	registry.RegisterAction(OrderApprovalWorkflow, "reject_order", func(ctx context.Context, inst domain.WorkflowInstance) (map[string]any, error) {
		order, err := orders.GetOrder(ctx, orderIDFrom(inst))
		if err != nil {
			return nil, err
		}
		if order.Status != domain.OrderStatusCancelled {
			reason := "rejected"
			if step, ok := inst.ContextData["timed_out_step"]; ok {
				reason = fmt.Sprintf("no decision at %v", step)
			}
			if _, err := orders.CancelOrder(ctx, order.ID, approver(inst), reason); err != nil {
				return nil, err
			}
		}
		return map[string]any{"outcome": "rejected"}, nil
	})
}

func orderIDFrom(inst domain.WorkflowInstance) string {
	if id, ok := inst.ContextData["order_id"].(string); ok && id != "" {
		return id
	}
	return inst.SubjectID
}

// approver is the last responder, or the workflow itself when nobody answered.
func approver(inst domain.WorkflowInstance) string {
	if n := len(inst.Responses); n > 0 && inst.Responses[n-1].RespondedBy != "" {
		return inst.Responses[n-1].RespondedBy
	}
	return "workflow:" + inst.ID
}
