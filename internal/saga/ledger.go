package saga

import "fmt"

// RecordCommit 记录一次正向步骤的确认提交。
// CommittedSteps 必须保持为 ForwardOrder 的前缀：前序步骤未提交时拒绝记录。
func RecordCommit(inst *Instance, step Step) error {
	if inst.State.Terminal() {
		return ErrTerminalState
	}
	if inst.HasCommitted(step) {
		return nil
	}

	next, ok := inst.NextStep()
	if !ok || next != step {
		return fmt.Errorf("commit out of order: %s after %v", step, inst.CommittedSteps)
	}

	inst.CommittedSteps = append(inst.CommittedSteps, step)
	return nil
}

// PlanCompensation 按提交的逆序返回需要撤销的步骤。
// 只补偿确实提交过的步骤：charge 未提交就不会出现 refund。
// finalize 没有撤销操作（订单终态由结果上报覆盖），被跳过。
func PlanCompensation(inst *Instance) []Step {
	plan := make([]Step, 0, len(inst.CommittedSteps))
	for i := len(inst.CommittedSteps) - 1; i >= 0; i-- {
		step := inst.CommittedSteps[i]
		if step == StepFinalize {
			continue
		}
		plan = append(plan, step)
	}
	return plan
}
