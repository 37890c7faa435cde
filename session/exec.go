package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ratingeater/webpyter-notebook/kernel"
	"github.com/ratingeater/webpyter-notebook/notebook"
)

// errNoKernel reports execution without a usable kernel backend.
var errNoKernel = errors.New("session: no kernel backend configured")

// ConnectKernel probes the configured kernel and transitions
// loading → idle, or back to disconnected on failure. The misconfiguration
// case (kernel URL pointing at the collaboration gateway) surfaces a
// specific remediation message.
func (s *Session) ConnectKernel(ctx context.Context) error {
	s.mu.Lock()
	if s.cfg.kernelMode() != KernelBackend || s.kernel == nil {
		// Pyodide execution lives in the embedding UI; the session only
		// records the mode. Strict selection, no cross-fallback.
		s.setKernelStatusLocked(KernelDisconnected)
		s.mu.Unlock()
		return errNoKernel
	}
	s.setKernelStatusLocked(KernelLoading)
	s.mu.Unlock()

	info, err := s.kernel.Health(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setKernelStatusLocked(KernelDisconnected)
		if errors.Is(err, kernel.ErrMisconfigured) {
			s.kernelMessage = err.Error()
		} else {
			s.kernelMessage = "kernel server unreachable"
		}
		return err
	}
	if !info.OK {
		s.setKernelStatusLocked(KernelDisconnected)
		s.kernelMessage = info.Message
		return fmt.Errorf("session: kernel reported not ok")
	}
	s.kernelMessage = ""
	s.setKernelStatusLocked(KernelIdle)
	go s.refreshVariables(context.WithoutCancel(ctx))
	return nil
}

// ExecuteCell runs one cell through the kernel. The code is read from the
// CRDT at dispatch time, not from the cached view, so the freshest
// collaborative edits execute. With advance set, focus moves to the next
// cell, inserting one when the executed cell was last.
func (s *Session) ExecuteCell(ctx context.Context, id string, advance bool) error {
	s.mu.Lock()
	if s.kernel == nil || s.kernelStatus == KernelDisconnected || s.kernelStatus == KernelLoading {
		s.mu.Unlock()
		return errNoKernel
	}
	m, idx := notebook.CellMap(s.doc, id)
	if m == nil {
		s.mu.Unlock()
		return fmt.Errorf("session: unknown cell %q", id)
	}
	code := ""
	if t := m.Text(notebook.KeyContent); t != nil {
		code = t.String()
	}
	rt := s.runtimeFor(id)
	rt.Status = StatusRunning
	rt.Output = nil
	s.setKernelStatusLocked(KernelBusy)
	s.scheduleFlushLocked()
	s.mu.Unlock()

	out, err := s.kernel.Execute(ctx, code)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setKernelStatusLocked(KernelIdle)
	rt = s.runtimeFor(id)
	if err != nil {
		rt.Status = StatusError
		rt.Output = &kernel.CellOutput{Type: "error", Content: err.Error()}
		s.scheduleFlushLocked()
		s.log.Warn("cell execution failed", zap.String("cell", id), zap.Error(err))
		return err
	}
	s.execCount++
	rt.ExecutionCount = s.execCount
	rt.Output = out
	if out.Type == "error" {
		rt.Status = StatusError
	} else {
		rt.Status = StatusSuccess
	}
	s.scheduleFlushLocked()
	go s.refreshVariables(context.WithoutCancel(ctx))

	if advance {
		views := notebook.Cells(s.doc)
		if idx >= 0 && idx+1 < len(views) {
			s.activeCellID = views[idx+1].ID
		} else {
			s.insertCellLocked(id, notebook.TypeCode)
		}
	}
	return nil
}

// RestartKernel resets kernel state: starting → idle.
func (s *Session) RestartKernel(ctx context.Context) error {
	s.mu.Lock()
	if s.kernel == nil {
		s.mu.Unlock()
		return errNoKernel
	}
	s.setKernelStatusLocked(KernelStarting)
	s.mu.Unlock()

	err := s.kernel.Restart(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.setKernelStatusLocked(KernelDisconnected)
		return err
	}
	s.execCount = 0
	s.variables = nil
	s.setKernelStatusLocked(KernelIdle)
	return nil
}

// InterruptKernel asks the kernel to stop the running cell.
func (s *Session) InterruptKernel(ctx context.Context) {
	if s.kernel != nil {
		s.kernel.Interrupt(ctx)
	}
}

func (s *Session) runtimeFor(id string) *RuntimeCellState {
	rt, ok := s.runtime[id]
	if !ok {
		rt = &RuntimeCellState{Status: StatusIdle}
		s.runtime[id] = rt
	}
	return rt
}

func (s *Session) refreshVariables(ctx context.Context) {
	vars, err := s.kernel.Variables(ctx)
	if err != nil {
		s.log.Debug("variable refresh failed", zap.Error(err))
		return
	}
	s.mu.Lock()
	s.variables = vars
	s.mu.Unlock()
}
