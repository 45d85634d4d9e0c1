// Package rollback 回滚风险评估
package rollback

import (
	"fmt"
	"time"

	"build-ledger/internal/model"
)

// assessRisks 评估一次回滚的风险清单
//
// 覆盖四类：版本跨度、质量回退、跨阶段、目标陈旧。
// 每条带级别与缓解建议；critical 级默认阻止执行（除非 force）。
func (e *Engine) assessRisks(source, target *model.CheckpointData) []model.RollbackRisk {
	var risks []model.RollbackRisk

	if gap := source.Version - target.Version; gap > 3 {
		level := model.RiskLevelMedium
		if gap > 10 {
			level = model.RiskLevelHigh
		}
		risks = append(risks, model.RollbackRisk{
			Type:        model.RiskTypeVersionGap,
			Level:       level,
			Description: fmt.Sprintf("rolling back %d checkpoint versions (v%d → v%d)", gap, source.Version, target.Version),
			Mitigation:  "review the intermediate checkpoints before executing; consider a closer target",
		})
	}

	if source.QualityScore > 0 && target.QualityScore > 0 {
		ratio := target.QualityScore / source.QualityScore
		switch {
		case ratio < 0.5:
			risks = append(risks, model.RollbackRisk{
				Type:        model.RiskTypeQualityRegression,
				Level:       model.RiskLevelCritical,
				Description: fmt.Sprintf("target quality %.1f is below half of source %.1f", target.QualityScore, source.QualityScore),
				Mitigation:  "confirm the regression is acceptable and pass force, or pick a higher-quality target",
			})
		case ratio < 0.8:
			risks = append(risks, model.RollbackRisk{
				Type:        model.RiskTypeQualityRegression,
				Level:       model.RiskLevelHigh,
				Description: fmt.Sprintf("target quality %.1f is significantly below source %.1f", target.QualityScore, source.QualityScore),
				Mitigation:  "re-run quality gates after the rollback completes",
			})
		}
	}

	if source.Phase != target.Phase {
		risks = append(risks, model.RollbackRisk{
			Type:        model.RiskTypePhaseMismatch,
			Level:       model.RiskLevelMedium,
			Description: fmt.Sprintf("rolling back across phases (%s → %s)", source.Phase, target.Phase),
			Mitigation:  "re-run the phases between the target and the current state",
		})
	}

	if age := e.now().Sub(target.Metadata.CreatedAt); age > e.stalenessWindow {
		risks = append(risks, model.RollbackRisk{
			Type:        model.RiskTypeStaleness,
			Level:       model.RiskLevelLow,
			Description: fmt.Sprintf("target checkpoint is %s old", age.Round(time.Hour)),
			Mitigation:  "verify external dependencies still match the snapshotted state",
		})
	}

	return risks
}
