package xtask

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/omeyang/xsched/pkg/util/xjson"
)

// registration 一个任务类型在本进程中的绑定，注册后不再修改
type registration struct {
	identifier uuid.UUID
	name       string
	aliveCycle time.Duration
	lockCycle  time.Duration

	// encode 校验并序列化无类型的参数
	encode func(param any) (*string, error)
	// invoke 反序列化参数并调用任务函数
	invoke func(ctx context.Context, rt *Runtime, raw *string) error
}

// Definition 无参数任务类型
type Definition struct {
	m   *Manager
	reg *registration
}

// Identifier 任务类型标识
func (d *Definition) Identifier() uuid.UUID { return d.reg.identifier }

// Enqueue 在 delay 之后执行一次
func (d *Definition) Enqueue(ctx context.Context, delay time.Duration) (int64, error) {
	return d.m.enqueue(ctx, d.reg, nil, delay, nil)
}

// EnqueueRecurrent 每隔 interval（从上一次结束算起）执行一次
func (d *Definition) EnqueueRecurrent(ctx context.Context, interval time.Duration) (int64, error) {
	return d.m.EnqueueRecurrentTask(ctx, d.reg.identifier, interval)
}

// EnqueueRecurrentCron 按 cron 表达式执行
func (d *Definition) EnqueueRecurrentCron(ctx context.Context, spec string) (int64, error) {
	return d.m.EnqueueRecurrentCronTask(ctx, d.reg.identifier, spec)
}

// ParamDefinition 带参数的任务类型
type ParamDefinition[P any] struct {
	m   *Manager
	reg *registration
}

// Identifier 任务类型标识
func (d *ParamDefinition[P]) Identifier() uuid.UUID { return d.reg.identifier }

// Enqueue 以参数 p 在 delay 之后执行一次
func (d *ParamDefinition[P]) Enqueue(ctx context.Context, p P, delay time.Duration) (int64, error) {
	raw, err := xjson.Encode(p)
	if err != nil {
		return 0, err
	}
	return d.m.enqueue(ctx, d.reg, raw, delay, nil)
}

// Register 注册无参数任务类型
func Register(m *Manager, s Settings, fn func(ctx context.Context, rt *Runtime) error) (*Definition, error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	reg := &registration{
		encode: func(param any) (*string, error) {
			if param != nil {
				return nil, fmt.Errorf("%w: %s takes no parameter, got %T", ErrParameterMismatch, s.Identifier, param)
			}
			return nil, nil
		},
		invoke: func(ctx context.Context, rt *Runtime, _ *string) error {
			return fn(ctx, rt)
		},
	}
	if err := m.register(s, reg); err != nil {
		return nil, err
	}
	return &Definition{m: m, reg: reg}, nil
}

// RegisterWithParams 注册参数类型为 P 的任务类型，参数以 JSON 存储
func RegisterWithParams[P any](m *Manager, s Settings, fn func(ctx context.Context, rt *Runtime, p P) error) (*ParamDefinition[P], error) {
	if fn == nil {
		return nil, ErrNilFunc
	}
	reg := &registration{
		encode: func(param any) (*string, error) {
			p, ok := param.(P)
			if !ok {
				var want P
				return nil, fmt.Errorf("%w: %s expects %T, got %T", ErrParameterMismatch, s.Identifier, want, param)
			}
			return xjson.Encode(p)
		},
		invoke: func(ctx context.Context, rt *Runtime, raw *string) error {
			p, err := xjson.Decode[P](raw)
			if err != nil {
				return err
			}
			return fn(ctx, rt, p)
		},
	}
	if err := m.register(s, reg); err != nil {
		return nil, err
	}
	return &ParamDefinition[P]{m: m, reg: reg}, nil
}

func (m *Manager) register(s Settings, reg *registration) error {
	if s.Identifier == uuid.Nil {
		return ErrEmptyIdentifier
	}
	alive := s.AliveCycle
	if alive <= 0 {
		alive = DefaultAliveCycle
	}
	cycle := lockCycle(alive)
	if err := m.locks.Config().CheckTimeout(cycle); err != nil {
		return fmt.Errorf("%w: alive cycle %s gives lock cycle %s: %w", ErrInvalidAliveCycle, alive, cycle, err)
	}
	reg.identifier = s.Identifier
	reg.name = s.Name
	if reg.name == "" {
		reg.name = s.Identifier.String()
	}
	reg.aliveCycle = alive
	reg.lockCycle = cycle

	m.regMu.Lock()
	defer m.regMu.Unlock()
	if _, dup := m.registry[s.Identifier]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateIdentifier, s.Identifier)
	}
	m.registry[s.Identifier] = reg
	return nil
}

func (m *Manager) lookup(id uuid.UUID) (*registration, bool) {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	reg, ok := m.registry[id]
	return reg, ok
}

// identifiers 已注册的标识，领取任务时只取这些类型
func (m *Manager) identifiers() []string {
	m.regMu.RLock()
	defer m.regMu.RUnlock()
	ids := make([]string, 0, len(m.registry))
	for id := range m.registry {
		ids = append(ids, id.String())
	}
	return ids
}
