// =============================================================================
// 文件: internal/transport/outcome.go
// 描述: 调度结果
// =============================================================================
package transport

// DispatchOutcome 单条消息的调度结果，除 OutcomeSent 外均表示丢弃
type DispatchOutcome uint8

const (
	OutcomeSent DispatchOutcome = iota
	OutcomeDroppedNoLink
	OutcomeDroppedNoPipeline
	OutcomeDroppedMappingFailed
	OutcomeDroppedPushRejected

	numOutcomes
)

// AllOutcomes 全部结果，用于指标导出
var AllOutcomes = []DispatchOutcome{
	OutcomeSent,
	OutcomeDroppedNoLink,
	OutcomeDroppedNoPipeline,
	OutcomeDroppedMappingFailed,
	OutcomeDroppedPushRejected,
}

// Sent 消息是否被管道接纳
func (o DispatchOutcome) Sent() bool {
	return o == OutcomeSent
}

func (o DispatchOutcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeDroppedNoLink:
		return "no_link"
	case OutcomeDroppedNoPipeline:
		return "no_pipeline"
	case OutcomeDroppedMappingFailed:
		return "mapping_failed"
	case OutcomeDroppedPushRejected:
		return "push_rejected"
	default:
		return "unknown"
	}
}
