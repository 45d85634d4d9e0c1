// Package gate 人工审批流程
package gate

import (
	"context"
	"fmt"
	"time"

	"build-ledger/internal/eventstore"
	"build-ledger/internal/model"
)

// ErrApprovalTimeout 审批等待超时
var ErrApprovalTimeout = fmt.Errorf("approval wait timed out")

// ErrInvalidTransition 非法的门状态变更
var ErrInvalidTransition = fmt.Errorf("invalid gate transition")

// RequestApproval 发出审批请求
//
// 只追加一条通知意图事件，不改变门状态；实际通知投递由
// 外部审批渠道消费事件完成。
func (e *Evaluator) RequestApproval(ctx context.Context, gateID string) error {
	gate, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return err
	}
	if e.appender != nil {
		_, err := e.appender.Append(ctx, gate.BuildID, model.EventTypeApprovalRequested,
			model.GatePayload{GateID: gate.ID, Phase: gate.Phase},
			eventstore.AppendOptions{})
		if err != nil {
			return err
		}
	}
	return nil
}

// SubmitApproval 提交审批决定并终结门
//
// 门必须处于 pending；决定记入审批列表，门状态置为
// approved/rejected，并唤醒所有 WaitForApproval 调用方。
func (e *Evaluator) SubmitApproval(ctx context.Context, gateID, approver string, decision model.ApprovalDecision, reason string, conditions []string) (*model.GateApproval, error) {
	if approver == "" {
		return nil, fmt.Errorf("gate: approver is required")
	}
	if decision != model.ApprovalDecisionApprove && decision != model.ApprovalDecisionReject {
		return nil, fmt.Errorf("gate: unknown decision %q", decision)
	}

	gate, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if gate.Status != model.GateStatusPending {
		return nil, fmt.Errorf("%w: gate %s is %s, expected pending", ErrInvalidTransition, gateID, gate.Status)
	}

	approval := model.GateApproval{
		ID:         generateID("appr"),
		GateID:     gateID,
		Approver:   approver,
		Decision:   decision,
		Reason:     reason,
		Conditions: conditions,
		CreatedAt:  e.now().UTC(),
	}
	gate.Approvals = append(gate.Approvals, approval)
	if approval.IsApproved() {
		gate.Status = model.GateStatusApproved
	} else {
		gate.Status = model.GateStatusRejected
	}

	if err := e.store.UpdateGate(ctx, gate); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.RecordApproval(string(decision))
	}
	if e.logger != nil {
		e.logger.WithGateID(gateID).Info("approval submitted",
			"approver", approver, "decision", string(decision))
	}

	if e.appender != nil {
		_, err := e.appender.Append(ctx, gate.BuildID, model.EventTypeApprovalSubmitted,
			model.GatePayload{GateID: gateID, Phase: gate.Phase, Approver: approver, Decision: string(decision)},
			eventstore.AppendOptions{ActorID: approver, ActorType: model.ActorTypeUser})
		if err != nil && e.logger != nil {
			e.logger.WithGateID(gateID).WithError(err).Warn("approval event append failed")
		}
	}

	e.notifyWaiters(gateID, &approval)
	return &approval, nil
}

// WaitForApproval 阻塞等待门的审批决定
//
// 核心中唯一会等待外部参与者的操作：审批到达时返回；
// timeout（0 表示默认值）或 ctx 取消时返回 ErrApprovalTimeout /
// ctx 错误。门已终结时立即返回最近一次审批。
func (e *Evaluator) WaitForApproval(ctx context.Context, gateID string, timeout time.Duration) (*model.GateApproval, error) {
	if timeout <= 0 {
		timeout = e.approvalTimeout
	}

	gate, err := e.store.GetGate(ctx, gateID)
	if err != nil {
		return nil, err
	}
	if gate.Status == model.GateStatusApproved || gate.Status == model.GateStatusRejected {
		if len(gate.Approvals) == 0 {
			return nil, fmt.Errorf("gate: %s is %s but has no approval record", gateID, gate.Status)
		}
		last := gate.Approvals[len(gate.Approvals)-1]
		return &last, nil
	}
	if gate.Status != model.GateStatusPending {
		return nil, fmt.Errorf("%w: gate %s is %s, nothing to wait for", ErrInvalidTransition, gateID, gate.Status)
	}

	ch := e.addWaiter(gateID)
	defer e.removeWaiter(gateID, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case approval := <-ch:
		return approval, nil
	case <-timer.C:
		if e.metrics != nil {
			e.metrics.ApprovalTimeouts.Inc()
		}
		return nil, fmt.Errorf("%w: gate %s after %s", ErrApprovalTimeout, gateID, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Evaluator) addWaiter(gateID string) chan *model.GateApproval {
	ch := make(chan *model.GateApproval, 1)
	e.waitersMu.Lock()
	e.waiters[gateID] = append(e.waiters[gateID], ch)
	e.waitersMu.Unlock()
	return ch
}

func (e *Evaluator) removeWaiter(gateID string, ch chan *model.GateApproval) {
	e.waitersMu.Lock()
	defer e.waitersMu.Unlock()
	list := e.waiters[gateID]
	for i, c := range list {
		if c == ch {
			e.waiters[gateID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(e.waiters[gateID]) == 0 {
		delete(e.waiters, gateID)
	}
}

func (e *Evaluator) notifyWaiters(gateID string, approval *model.GateApproval) {
	e.waitersMu.Lock()
	list := e.waiters[gateID]
	delete(e.waiters, gateID)
	e.waitersMu.Unlock()
	for _, ch := range list {
		ch <- approval
	}
}
