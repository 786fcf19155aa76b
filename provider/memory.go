package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/warp/points-redemption/ledger"
)

// =============================================================================
// MEMORY PROVIDER - In-process implementation (for testing/dev)
// =============================================================================

// IssuedCode is a code held by the Memory provider.
type IssuedCode struct {
	ledger.RewardCode
	Spec   RewardSpec
	Active bool
}

type Memory struct {
	mu            sync.Mutex
	codes         map[string]*IssuedCode
	order         []string
	seq           int
	issueErr      error
	deactivateErr error
	issueHook     func(ctx context.Context)
	issueCalls    int
	deactCalls    int
}

var _ Provider = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{codes: make(map[string]*IssuedCode)}
}

func (m *Memory) Issue(ctx context.Context, spec RewardSpec) (ledger.RewardCode, error) {
	m.mu.Lock()
	m.issueCalls++
	hook := m.issueHook
	m.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return ledger.RewardCode{}, &Error{Kind: KindTransient, Op: "issue", Err: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.issueErr != nil {
		return ledger.RewardCode{}, m.issueErr
	}
	if spec == nil {
		return ledger.RewardCode{}, &Error{Kind: KindValidation, Op: "issue", Message: "missing reward spec"}
	}
	if err := spec.Validate(); err != nil {
		return ledger.RewardCode{}, &Error{Kind: KindValidation, Op: "issue", Err: err}
	}

	m.seq++
	code := ledger.RewardCode{
		Code:     NewCode(spec.Family()),
		RewardID: fmt.Sprintf("gid://memory/DiscountCodeNode/%d", m.seq),
	}
	m.codes[code.RewardID] = &IssuedCode{RewardCode: code, Spec: spec, Active: true}
	m.order = append(m.order, code.RewardID)
	return code, nil
}

func (m *Memory) Deactivate(_ context.Context, rewardID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactCalls++
	if m.deactivateErr != nil {
		return m.deactivateErr
	}
	if c, ok := m.codes[rewardID]; ok {
		c.Active = false
	}
	return nil
}

// SetIssueError makes every following Issue fail with err (nil clears).
func (m *Memory) SetIssueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueErr = err
}

// SetDeactivateError makes every following Deactivate fail with err.
func (m *Memory) SetDeactivateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deactivateErr = err
}

// SetIssueHook runs fn at the start of every Issue, outside the
// provider's lock. Tests use it to block or observe remote calls.
func (m *Memory) SetIssueHook(fn func(ctx context.Context)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issueHook = fn
}

// Calls returns the number of Issue and Deactivate calls so far.
func (m *Memory) Calls() (issue, deactivate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.issueCalls, m.deactCalls
}

// Code returns the issued code for rewardID.
func (m *Memory) Code(rewardID string) (IssuedCode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[rewardID]
	if !ok {
		return IssuedCode{}, false
	}
	return *c, true
}

// Issued returns every code in issue order.
func (m *Memory) Issued() []IssuedCode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IssuedCode, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.codes[id])
	}
	return out
}
