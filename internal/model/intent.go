// Package model defines the records that flow through the strategy pipeline:
// intents, proposals, risk assessments, audit reports, execution plans and
// the long-lived per-user vault.
package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	xerrors "AgentVault/internal/errors"
)

// TimeHorizon 表示用户声明的投资期限。
type TimeHorizon string

const (
	HorizonShort  TimeHorizon = "short"
	HorizonMedium TimeHorizon = "medium"
	HorizonLong   TimeHorizon = "long"
)

// UserIntent 记录用户的投资目标与约束，创建后不可修改。
type UserIntent struct {
	ID            string      `json:"id" validate:"omitempty,max=128"`
	UserID        string      `json:"userId" validate:"required,max=128"`
	Goal          string      `json:"goal" validate:"max=2048"`
	RiskTolerance int         `json:"riskTolerance" validate:"gte=0,lte=100"`
	TimeHorizon   TimeHorizon `json:"timeHorizon" validate:"required,oneof=short medium long"`
	Assets        []string    `json:"assets" validate:"required,min=1,max=32,dive,required,max=32"`
	// Jurisdiction 与 Accredited 仅用于监管检查。
	Jurisdiction string `json:"jurisdiction,omitempty" validate:"omitempty,max=8"`
	Accredited   bool   `json:"accredited,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func intentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate 在任何阶段运行前校验意图，检查重复资产时忽略大小写。
func (i UserIntent) Validate() error {
	if err := intentValidator().Struct(i); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return xerrors.Validation(fmt.Sprintf("invalid field %s: failed %s", first.Field(), first.Tag()))
		}
		return xerrors.Validation(err.Error())
	}
	seen := make(map[string]struct{}, len(i.Assets))
	for _, asset := range i.Assets {
		key := NormalizeAsset(asset)
		if key == "" {
			return xerrors.Validation("asset symbol must not be blank")
		}
		if _, dup := seen[key]; dup {
			return xerrors.Validation(fmt.Sprintf("duplicate asset %s", key))
		}
		seen[key] = struct{}{}
	}
	return nil
}

// NormalizedAssets 按声明顺序返回去除空白并转为大写的资产代码。
func (i UserIntent) NormalizedAssets() []string {
	out := make([]string, 0, len(i.Assets))
	for _, asset := range i.Assets {
		out = append(out, NormalizeAsset(asset))
	}
	return out
}

// NormalizeAsset 规范化资产代码。
func NormalizeAsset(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
