package scripting

import (
	"context"
	"fmt"
	"os"
	"sync"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// AdmissionHook is the global Lua function consulted for every join:
//
//	function can_join(room_id, connection_id, user_name, member_count)
//	  return allowed [, reason]
//	end
const AdmissionHook = "can_join"

// MsgScriptError is the denial reason reported when the hook fails.
const MsgScriptError = "admission script error"

// AdmissionRequest describes a join awaiting a decision.
type AdmissionRequest struct {
	RoomID       string
	ConnectionID string
	UserName     string
	MemberCount  int
}

// MaxIdleStates bounds the loaded VMs an AdmissionPolicy keeps for reuse.
const MaxIdleStates = 16

// AdmissionPolicy evaluates the admission hook of one Lua script. Each
// concurrent Allow runs on its own VM, taken from a pool of VMs that have
// already loaded the script. Script globals are per VM, so a hook must not
// rely on state kept between calls.
type AdmissionPolicy struct {
	source  string
	limit   int
	hasHook bool
	logger  *zap.Logger

	idle chan *lua.LState

	mu     sync.Mutex
	closed bool
}

// NewAdmissionPolicy loads source into a fresh sandbox.
//
// Precondition: instLimit >= 0; 0 uses DefaultInstructionLimit.
// Postcondition: Returns a policy ready for Allow, or an error if the
// script fails to load.
func NewAdmissionPolicy(source string, instLimit int, logger *zap.Logger) (*AdmissionPolicy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &AdmissionPolicy{
		source: source,
		limit:  instLimit,
		logger: logger,
		idle:   make(chan *lua.LState, MaxIdleStates),
	}
	L, err := p.newState()
	if err != nil {
		return nil, err
	}
	p.hasHook = L.GetGlobal(AdmissionHook) != lua.LNil
	p.idle <- L
	return p, nil
}

// LoadAdmissionPolicy reads the script at path and calls NewAdmissionPolicy.
func LoadAdmissionPolicy(path string, instLimit int, logger *zap.Logger) (*AdmissionPolicy, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scripting: reading admission policy %q: %w", path, err)
	}
	return NewAdmissionPolicy(string(src), instLimit, logger)
}

func (p *AdmissionPolicy) newState() (*lua.LState, error) {
	L := NewSandboxedState()
	registerModules(L, p.logger)

	err := runLimited(context.Background(), L, p.limit, func() error {
		return L.DoString(p.source)
	})
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("scripting: loading admission policy: %w", err)
	}
	return L, nil
}

// acquire returns an idle VM, loading a new one when none is free.
func (p *AdmissionPolicy) acquire() (*lua.LState, error) {
	select {
	case L := <-p.idle:
		return L, nil
	default:
		return p.newState()
	}
}

// release returns L to the pool. A VM whose call failed may hold a
// partially unwound stack and is discarded.
func (p *AdmissionPolicy) release(L *lua.LState, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if healthy && !p.closed {
		select {
		case p.idle <- L:
			return
		default:
		}
	}
	L.Close()
}

// Allow calls the admission hook. A script without the hook admits
// everyone; a hook that errors or exceeds its instruction budget denies.
//
// Postcondition: reason is non-empty only when allowed is false and the
// script supplied one, or the script failed.
func (p *AdmissionPolicy) Allow(ctx context.Context, req AdmissionRequest) (allowed bool, reason string, err error) {
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	if !p.hasHook {
		return true, "", nil
	}

	L, err := p.acquire()
	if err != nil {
		p.logger.Warn("admission vm unavailable", zap.Error(err))
		return false, MsgScriptError, nil
	}

	fn := L.GetGlobal(AdmissionHook)
	err = runLimited(ctx, L, p.limit, func() error {
		return L.CallByParam(lua.P{Fn: fn, NRet: 2, Protect: true},
			lua.LString(req.RoomID),
			lua.LString(req.ConnectionID),
			lua.LString(req.UserName),
			lua.LNumber(req.MemberCount),
		)
	})
	if err != nil {
		p.release(L, false)
		p.logger.Warn("admission hook failed",
			zap.String("room", req.RoomID),
			zap.String("connection", req.ConnectionID),
			zap.Error(err),
		)
		return false, MsgScriptError, nil
	}

	ret, msg := L.Get(-2), L.Get(-1)
	L.Pop(2)
	p.release(L, true)

	allowed = lua.LVAsBool(ret)
	if !allowed {
		if s, ok := msg.(lua.LString); ok {
			reason = string(s)
		}
	}
	return allowed, reason, nil
}

// Close releases the idle VMs. VMs still running a hook are closed when
// their call returns.
func (p *AdmissionPolicy) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case L := <-p.idle:
			L.Close()
		default:
			return
		}
	}
}

// Idle reports how many loaded VMs are waiting for reuse.
func (p *AdmissionPolicy) Idle() int {
	return len(p.idle)
}
