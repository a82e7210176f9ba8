package eject

import (
	"context"
	"errors"
	"strings"

	"github.com/Hara602/usbWarden/internal/model"
	"github.com/Hara602/usbWarden/internal/platform"
	"github.com/Hara602/usbWarden/internal/sysutil"
	"go.uber.org/zap"
)

// Ancestry 从叶子节点向上产生弹出候选节点.
// 第一个候选是叶子自己或最近的可整体移除的祖先 (实例 ID 匹配 patterns),
// 之后每次给出上一个候选的父节点; 总数不超过 maxHops.
type Ancestry struct {
	topo     platform.Topology
	leaf     model.NodeID
	patterns []string
	maxHops  int

	current model.NodeID
	yielded int
}

func NewAncestry(topo platform.Topology, leaf model.NodeID, patterns []string, maxHops int) *Ancestry {
	return &Ancestry{topo: topo, leaf: leaf, patterns: patterns, maxHops: maxHops}
}

func (a *Ancestry) Next() (model.NodeID, bool) {
	if a.yielded >= a.maxHops || a.leaf == "" {
		return "", false
	}
	if a.yielded == 0 {
		a.current = a.firstCandidate()
		a.yielded++
		return a.current, true
	}
	parent, ok := a.topo.Parent(a.current)
	if !ok {
		return "", false
	}
	a.current = parent
	a.yielded++
	return parent, true
}

// firstCandidate 向上找可整体移除的单元, 找不到就用叶子
func (a *Ancestry) firstCandidate() model.NodeID {
	node := a.leaf
	for i := 0; i < a.maxHops; i++ {
		if IsRemovalUnit(a.topo, node, a.patterns) {
			return node
		}
		parent, ok := a.topo.Parent(node)
		if !ok {
			break
		}
		node = parent
	}
	return a.leaf
}

// IsRemovalUnit 实例 ID 包含 USBSTOR\ 或 USB\VID_ 之类的片段
func IsRemovalUnit(topo platform.Topology, node model.NodeID, patterns []string) bool {
	id, err := topo.InstanceID(node)
	if err != nil {
		return false
	}
	id = strings.ToUpper(id)
	for _, p := range patterns {
		if p != "" && strings.Contains(id, strings.ToUpper(p)) {
			return true
		}
	}
	return false
}

// WalkKind 祖先遍历的结果
type WalkKind int

const (
	WalkSuccess WalkKind = iota
	WalkExhausted
)

type WalkResult struct {
	Kind WalkKind
	// Node 接受弹出的节点, 仅 WalkSuccess
	Node model.NodeID
	// Fallback 是否由 QueryRemoveSubtree 完成
	Fallback bool
	// Vetoes 每个被拒绝的尝试, 按顺序
	Vetoes []model.Veto
	// Err 超时等导致提前结束的原因
	Err error
}

// Walk 沿祖先链逐个请求弹出, 全部被拒后在最上面的候选上做一次 QueryRemoveSubtree.
// 每一步之前检查 ctx, 不会打断进行中的平台调用.
func Walk(ctx context.Context, backend platform.Backend, leaf model.NodeID, patterns []string, maxHops int) WalkResult {
	var (
		res  = WalkResult{Kind: WalkExhausted}
		last model.NodeID
		it   = NewAncestry(backend, leaf, patterns, maxHops)
	)
	for node, ok := it.Next(); ok; node, ok = it.Next() {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		last = node
		err := backend.RequestEject(node)
		if err == nil {
			res.Kind = WalkSuccess
			res.Node = node
			return res
		}
		veto := vetoFrom(node, err)
		res.Vetoes = append(res.Vetoes, veto)
		sysutil.Log.Info("eject vetoed, trying next ancestor",
			zap.String("node", string(node)),
			zap.String("reason", veto.Reason),
			zap.String("holder", veto.Holder))
	}
	if last == "" {
		return res
	}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	err := backend.QueryRemoveSubtree(last)
	if err == nil {
		res.Kind = WalkSuccess
		res.Node = last
		res.Fallback = true
		return res
	}
	res.Vetoes = append(res.Vetoes, vetoFrom(last, err))
	return res
}

func vetoFrom(node model.NodeID, err error) model.Veto {
	var ve *platform.VetoError
	if errors.As(err, &ve) {
		return model.Veto{Node: node, Reason: ve.Reason, Holder: ve.Holder}
	}
	return model.Veto{Node: node, Reason: err.Error()}
}
