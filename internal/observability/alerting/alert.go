// Package alerting turns alert-worthy pipeline events into notifications
// for on-call channels. It plugs into the event bus as a publisher.
package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook  Channel = "webhook"
	ChannelDingTalk Channel = "dingtalk"
	ChannelSlack    Channel = "slack"
)

// Alert 描述一次需要告警的事件。
type Alert struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	EventType  events.Type       `json:"eventType"`
	IntentID   string            `json:"intentId,omitempty"`
	StrategyID string            `json:"strategyId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	TaskID     string            `json:"taskId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Summary 将告警渲染为一段便于阅读的文本。
func (a Alert) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s\n", a.Severity, a.Code, a.Message)
	fmt.Fprintf(&b, "事件: %s 时间: %s\n", a.EventType, a.OccurredAt.Format(time.RFC3339))
	if a.UserID != "" {
		fmt.Fprintf(&b, "用户: %s\n", a.UserID)
	}
	if a.IntentID != "" {
		fmt.Fprintf(&b, "意图: %s\n", a.IntentID)
	}
	if a.TaskID != "" {
		fmt.Fprintf(&b, "任务: %s\n", a.TaskID)
	}
	if len(a.Metadata) > 0 {
		keys := make([]string, 0, len(a.Metadata))
		for k := range a.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("详情:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %s\n", k, a.Metadata[k])
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// Notifier 负责将告警发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, alert Alert) error
}

// Dispatcher 将告警广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, alert Alert) error
}

// FanoutDispatcher 实现将告警投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n != nil {
			set = append(set, n)
		}
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将告警广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, alert Alert) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	return errors.Join(errs...)
}

// WebhookNotifier 通过 HTTP webhook 发送告警。Slack 与钉钉使用各自的消息格式，
// 其余渠道直接提交告警 JSON。
type WebhookNotifier struct {
	URL        string
	Kind       Channel
	HTTPClient *http.Client
}

// Channel 返回通知渠道。
func (n *WebhookNotifier) Channel() Channel {
	if n.Kind == "" {
		return ChannelWebhook
	}
	return n.Kind
}

// Notify 发送 webhook 请求。
func (n *WebhookNotifier) Notify(ctx context.Context, alert Alert) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("code", string(alert.Code)))
		return nil
	}
	var payload any
	switch n.Channel() {
	case ChannelSlack:
		payload = map[string]string{"text": alert.Summary()}
	case ChannelDingTalk:
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": alert.Summary()},
		}
	default:
		payload = alert
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码告警失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("告警渠道返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// Publisher 是事件总线上的告警出口，只转发需要告警的事件。
type Publisher struct {
	dispatcher Dispatcher
	minimum    xerrors.Severity
}

// NewPublisher 创建告警发布端。minimum 为空时只按错误码的告警属性过滤；
// 否则达到该级别的事件同样会告警。
func NewPublisher(dispatcher Dispatcher, minimum xerrors.Severity) *Publisher {
	return &Publisher{dispatcher: dispatcher, minimum: minimum}
}

// Name 实现 events.Publisher 接口。
func (p *Publisher) Name() string { return "alerting" }

// Publish 实现 events.Publisher 接口。
func (p *Publisher) Publish(ctx context.Context, event events.Event) error {
	if p == nil || p.dispatcher == nil || !p.ShouldAlert(event) {
		return nil
	}
	severity := event.Severity
	if severity == "" {
		severity = xerrors.AttributesOf(event.Code).Severity
	}
	return p.dispatcher.Notify(ctx, Alert{
		Code:       event.Code,
		Message:    event.Message,
		Severity:   severity,
		EventType:  event.Type,
		IntentID:   event.IntentID,
		StrategyID: event.StrategyID,
		UserID:     event.UserID,
		TaskID:     event.TaskID,
		Metadata:   event.Metadata,
		OccurredAt: event.OccurredAt,
	})
}

// ShouldAlert 判断事件是否需要告警。
func (p *Publisher) ShouldAlert(event events.Event) bool {
	if event.Code == "" {
		return false
	}
	if xerrors.AttributesOf(event.Code).Alert {
		return true
	}
	return p.minimum != "" && severityRank(event.Severity) >= severityRank(p.minimum)
}

// Close 实现 events.Publisher 接口。
func (p *Publisher) Close() error { return nil }

func severityRank(s xerrors.Severity) int {
	switch s {
	case xerrors.SeverityCritical:
		return 3
	case xerrors.SeverityWarning:
		return 2
	case xerrors.SeverityInfo:
		return 1
	default:
		return 0
	}
}

var _ events.Publisher = (*Publisher)(nil)
