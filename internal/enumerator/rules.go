package enumerator

import (
	"strings"

	"github.com/Hara602/usbWarden/internal/config"
	"github.com/Hara602/usbWarden/internal/model"
)

// Rule 描述里包含 Keyword (不区分大小写) 就归为 Type
type Rule struct {
	Keyword string
	Type    model.DeviceType
}

// RulesFromConfig 把配置里的分类表转成 Rule
func RulesFromConfig(rules []config.TypeRule) ([]Rule, error) {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		t, err := model.ParseDeviceType(r.Type)
		if err != nil {
			return nil, err
		}
		out = append(out, Rule{Keyword: strings.ToLower(r.Keyword), Type: t})
	}
	return out, nil
}

// Classify 按顺序匹配, 第一条命中的规则生效, 都不命中是 GenericUsb
func Classify(description string, rules []Rule) model.DeviceType {
	desc := strings.ToLower(description)
	for _, r := range rules {
		if r.Keyword != "" && strings.Contains(desc, strings.ToLower(r.Keyword)) {
			return r.Type
		}
	}
	return model.GenericUsb
}
