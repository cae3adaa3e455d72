package task

// TaskStats 聚合了任务状态与流水线结论的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total           int            `json:"total"`
	Pending         int            `json:"pending"`
	Running         int            `json:"running"`
	Completed       int            `json:"completed"`
	Failed          int            `json:"failed"`
	Outcomes        map[string]int `json:"outcomes,omitempty"`
	OldestUpdatedAt int64          `json:"oldestUpdatedAt,omitempty"`
	NewestUpdatedAt int64          `json:"newestUpdatedAt,omitempty"`
}

func (s *TaskStats) countOutcome(outcome string, n int) {
	if outcome == "" || n == 0 {
		return
	}
	if s.Outcomes == nil {
		s.Outcomes = make(map[string]int)
	}
	s.Outcomes[outcome] += n
}
