package classifier

import (
	"regexp"
	"strings"

	"github.com/Hara602/usbWarden/internal/eject"
	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/syncutil"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"go.uber.org/zap"
)

const CorruptedMarker = "(corrupted name)"

var (
	controlChars = regexp.MustCompile(`[\x00-\x1F\x7F]`)
	// 至少一个拉丁/西里尔字母或数字
	validName = regexp.MustCompile(`[A-Za-zА-Яа-яЁё0-9]`)
)

// Removal 一个消失的设备
type Removal struct {
	Identity string
	Name     string // 已清洗的显示名
	Safe     bool
}

// Classifier 对比基线快照和新快照, 把消失的设备分为安全移除和意外拔出
type Classifier struct {
	mu       syncutil.Mutex
	baseline model.Snapshot
	expected *eject.ExpectedSet
}

func New(expected *eject.ExpectedSet) *Classifier {
	return &Classifier{expected: expected}
}

// SetBaseline 替换基线, 不做分类 (启动时的第一次枚举)
func (c *Classifier) SetBaseline(snap model.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseline = snap
}

func (c *Classifier) Baseline() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.baseline
}

// Classify 每次枚举后调用, 不论触发原因. 返回每个消失设备的分类, 名字损坏的会被丢弃.
// 结束后 fresh 成为新的基线.
func (c *Classifier) Classify(fresh model.Snapshot) []Removal {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Removal
	for _, old := range c.baseline.Records() {
		if _, ok := fresh.Lookup(old.Identity); ok {
			continue
		}
		name := DisplayName(old.Description, old.DriveLetter)
		if !ValidName(name) {
			sysutil.Log.Debug("dropping corrupted removal notification",
				zap.String("identity", old.Identity),
				zap.String("name", name))
			continue
		}
		// Consume 同时保证同一条目不会第二次被当成安全移除
		safe := c.expected != nil && c.expected.Consume(old.Identity)
		out = append(out, Removal{Identity: old.Identity, Name: name, Safe: safe})
	}
	c.baseline = fresh
	return out
}

// Sanitize 含控制字符的字段整体替换为 CorruptedMarker
func Sanitize(s string) string {
	if controlChars.MatchString(s) {
		return CorruptedMarker
	}
	return strings.TrimSpace(s)
}

// DisplayName 形如 "Cruzer (/media/user/CRUZER)", 没有盘符时只有描述
func DisplayName(description, drive string) string {
	name := Sanitize(description)
	if d := Sanitize(drive); d != "" {
		name += " (" + d + ")"
	}
	return name
}

// ValidName 至少要有一个字母或数字, 否则是平台发来的垃圾事件
func ValidName(name string) bool {
	return validName.MatchString(name)
}
