package compliance

import (
	"fmt"
	"strings"
	"sync"

	"AgentVault/internal/model"
)

// CheckFunc 判断策略是否满足规则。
type CheckFunc func(*model.StrategyProposal) (bool, error)

// Rule 描述一条协议规则，Check 返回 false 时记录 Message 作为违规说明。
type Rule struct {
	ID          string
	Description string
	Check       CheckFunc
	Message     string
}

// Registry 是有序且并发安全的规则集合，评估顺序即注册顺序。
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewRegistry 按给定顺序创建规则注册表。
func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{}
	for _, rule := range rules {
		if err := r.Add(rule); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func validateRule(rule Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("rule id must not be empty")
	}
	if rule.Check == nil {
		return fmt.Errorf("rule %s has no check", rule.ID)
	}
	return nil
}

// Add 追加一条规则，规则 ID 必须唯一。
func (r *Registry) Add(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.indexLocked(rule.ID) >= 0 {
		return fmt.Errorf("rule %s already registered", rule.ID)
	}
	r.rules = append(r.rules, rule)
	return nil
}

// Update 原位替换已有规则，保持其评估位置不变。
func (r *Registry) Update(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(rule.ID)
	if idx < 0 {
		return fmt.Errorf("rule %s not registered", rule.ID)
	}
	r.rules[idx] = rule
	return nil
}

// Remove 删除指定 ID 的规则，并返回该规则是否存在。
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return false
	}
	r.rules = append(r.rules[:idx:idx], r.rules[idx+1:]...)
	return true
}

// Get 返回指定 ID 的规则。
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := r.indexLocked(id)
	if idx < 0 {
		return Rule{}, false
	}
	return r.rules[idx], true
}

// Rules 按评估顺序返回已注册规则的快照。
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

func (r *Registry) indexLocked(id string) int {
	for i, rule := range r.rules {
		if rule.ID == id {
			return i
		}
	}
	return -1
}
