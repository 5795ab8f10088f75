package settlement

import (
	"context"
	"fmt"
	"sync"

	"github.com/holiman/uint256"
)

type lock struct {
	req      LockRequest
	released bool
}

// MemoryProvider keeps balances per agent in memory. It is the provider used
// by tests and by the offline tooling.
type MemoryProvider struct {
	mu       sync.Mutex
	balances map[string]*uint256.Int
	locks    map[string]*lock
	refunds  map[string]RefundRequest
	seq      uint64
}

// NewMemoryProvider returns an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		balances: make(map[string]*uint256.Int),
		locks:    make(map[string]*lock),
		refunds:  make(map[string]RefundRequest),
	}
}

func (p *MemoryProvider) Name() string { return "memory" }

// Credit adds amount to agent's balance.
func (p *MemoryProvider) Credit(agent string, amount uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.credit(agent, amount)
}

// Balance returns agent's balance.
func (p *MemoryProvider) Balance(agent string) *uint256.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(uint256.Int).Set(p.balance(agent))
}

// Locked reports the amount held by lockID and whether it was released.
func (p *MemoryProvider) Locked(lockID string) (uint64, bool, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[lockID]
	if !ok {
		return 0, false, false
	}
	return l.req.Amount, l.released, true
}

func (p *MemoryProvider) Lock(ctx context.Context, req LockRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := req.validate(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.debit(req.Payer, req.Amount); err != nil {
		return "", err
	}
	p.seq++
	id := fmt.Sprintf("lock-%s-%d", req.IntentID, p.seq)
	p.locks[id] = &lock{req: req}
	return id, nil
}

func (p *MemoryProvider) Release(ctx context.Context, lockID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.locks[lockID]
	if !ok {
		return ErrLockNotFound
	}
	if l.released {
		return ErrLockReleased
	}
	l.released = true
	p.credit(l.req.Payee, l.req.Amount)
	return nil
}

func (p *MemoryProvider) Pay(ctx context.Context, req PayRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.debit(req.Payer, req.Amount); err != nil {
		return err
	}
	p.credit(req.Payee, req.Amount)
	return nil
}

func (p *MemoryProvider) Refund(ctx context.Context, req RefundRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := req.validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.refunds[req.Reference]; ok && req.Reference != "" {
		return req.sameRefund(prev)
	}
	if err := p.debit(req.From, req.Amount); err != nil {
		return err
	}
	p.credit(req.To, req.Amount)
	if req.Reference != "" {
		p.refunds[req.Reference] = req
	}
	return nil
}

// balance must be called with p.mu held.
func (p *MemoryProvider) balance(agent string) *uint256.Int {
	bal, ok := p.balances[agent]
	if !ok {
		bal = new(uint256.Int)
		p.balances[agent] = bal
	}
	return bal
}

func (p *MemoryProvider) debit(agent string, amount uint64) error {
	bal := p.balance(agent)
	amt := uint256.NewInt(amount)
	if bal.Lt(amt) {
		return fmt.Errorf("%w: %s has %s, needs %d", ErrInsufficientFunds, agent, bal.Dec(), amount)
	}
	bal.Sub(bal, amt)
	return nil
}

func (p *MemoryProvider) credit(agent string, amount uint64) {
	bal := p.balance(agent)
	bal.Add(bal, uint256.NewInt(amount))
}
