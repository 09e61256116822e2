// Package algos - 滑动窗口区间极值
package algos

import (
	"sync"

	"github.com/shopspring/decimal"
)

// extremeTree 定长线段树，叶子为环形缓冲区槽位，内部节点保存子区间极值
// 空槽位用 valid=false 表示，不参与比较
type extremeTree struct {
	vals  []decimal.Decimal
	valid []bool
	n     int
	less  func(a, b decimal.Decimal) bool
}

func newExtremeTree(n int, less func(a, b decimal.Decimal) bool) *extremeTree {
	return &extremeTree{
		vals:  make([]decimal.Decimal, 4*n),
		valid: make([]bool, 4*n),
		n:     n,
		less:  less,
	}
}

func (t *extremeTree) update(index int, value decimal.Decimal) {
	t.set(0, 0, t.n-1, index, value)
}

func (t *extremeTree) set(node, start, end, index int, value decimal.Decimal) {
	if start == end {
		t.vals[node] = value
		t.valid[node] = true
		return
	}
	mid := (start + end) / 2
	left, right := 2*node+1, 2*node+2
	if index <= mid {
		t.set(left, start, mid, index, value)
	} else {
		t.set(right, mid+1, end, index, value)
	}
	t.pull(node, left, right)
}

func (t *extremeTree) pull(node, left, right int) {
	switch {
	case !t.valid[left]:
		t.vals[node], t.valid[node] = t.vals[right], t.valid[right]
	case !t.valid[right]:
		t.vals[node], t.valid[node] = t.vals[left], t.valid[left]
	case t.less(t.vals[right], t.vals[left]):
		t.vals[node], t.valid[node] = t.vals[right], true
	default:
		t.vals[node], t.valid[node] = t.vals[left], true
	}
}

// root 全窗口极值
func (t *extremeTree) root() (decimal.Decimal, bool) {
	return t.vals[0], t.valid[0]
}

// PriceWindow 最近 N 笔成交价的最低/最高价，写入与查询均为 O(log N)
type PriceWindow struct {
	mu   sync.RWMutex
	size int
	next int
	min  *extremeTree
	max  *extremeTree
	last decimal.Decimal
	n    int
}

// NewPriceWindow 创建容量为 size 的窗口，size 小于 1 时按 1 处理
func NewPriceWindow(size int) *PriceWindow {
	if size < 1 {
		size = 1
	}
	return &PriceWindow{
		size: size,
		min:  newExtremeTree(size, func(a, b decimal.Decimal) bool { return a.LessThan(b) }),
		max:  newExtremeTree(size, func(a, b decimal.Decimal) bool { return a.GreaterThan(b) }),
	}
}

// Push 写入一笔成交价，窗口满时覆盖最早的一笔
func (w *PriceWindow) Push(price decimal.Decimal) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.min.update(w.next, price)
	w.max.update(w.next, price)
	w.next = (w.next + 1) % w.size
	if w.n < w.size {
		w.n++
	}
	w.last = price
}

// Range 返回窗口内最低价与最高价，窗口为空时 ok 为 false
func (w *PriceWindow) Range() (minPrice, maxPrice decimal.Decimal, ok bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	minPrice, ok = w.min.root()
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	maxPrice, _ = w.max.root()
	return minPrice, maxPrice, true
}

// Last 最近一笔成交价
func (w *PriceWindow) Last() decimal.Decimal {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Len 窗口内成交笔数
func (w *PriceWindow) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.n
}
