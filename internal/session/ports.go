package session

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// PortAllocator 在 [base, max] 内为用户分配主机端口。
// 起点由用户 ID 决定，冲突时线性探测；分配即占用。
type PortAllocator struct {
	mu     sync.Mutex
	base   int
	max    int
	inUse  map[int]string
	byUser map[string]int
}

func NewPortAllocator(base, max int) (*PortAllocator, error) {
	if base <= 0 || max > 65535 || base > max {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidPortRange, base, max)
	}
	return &PortAllocator{
		base:   base,
		max:    max,
		inUse:  make(map[int]string),
		byUser: make(map[string]int),
	}, nil
}

func (a *PortAllocator) span() int {
	return a.max - a.base + 1
}

// offset 数字 ID 直接取模，保持 base+id 这种好认的地址；其余走 xxhash
func (a *PortAllocator) offset(userID string) int {
	span := uint64(a.span())
	if n, err := strconv.ParseUint(userID, 10, 64); err == nil {
		return int(n % span)
	}
	return int(xxhash.Sum64String(userID) % span)
}

// Allocate 用户已有端口时原样返回
func (a *PortAllocator) Allocate(userID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byUser[userID]; ok {
		return p, nil
	}

	span := a.span()
	start := a.offset(userID)
	for i := 0; i < span; i++ {
		p := a.base + (start+i)%span
		if _, taken := a.inUse[p]; !taken {
			a.inUse[p] = userID
			a.byUser[userID] = p
			return p, nil
		}
	}
	return 0, ErrCapacityExhausted
}

// Reserve 恢复时重新占用已知端口
func (a *PortAllocator) Reserve(userID string, port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.base || port > a.max {
		return fmt.Errorf("port %d outside [%d, %d]", port, a.base, a.max)
	}
	if owner, taken := a.inUse[port]; taken && owner != userID {
		return fmt.Errorf("port %d already reserved by %s", port, owner)
	}
	if prev, ok := a.byUser[userID]; ok && prev != port {
		delete(a.inUse, prev)
	}
	a.inUse[port] = userID
	a.byUser[userID] = port
	return nil
}

func (a *PortAllocator) Release(userID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.byUser[userID]; ok {
		delete(a.inUse, p)
		delete(a.byUser, userID)
	}
}

func (a *PortAllocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

func (a *PortAllocator) Capacity() int {
	return a.span()
}
