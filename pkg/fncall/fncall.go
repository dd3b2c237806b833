// Package fncall injects native function calls into a stopped thread of
// the target.
//
// A call is made by saving the registers of the thread, laying out
// arguments and a return address according to the calling convention,
// and resuming the thread at the function's entry point. The return
// address is a trap instruction: when the called function returns the
// thread stops on it, the tracer reads the return value and restores the
// saved registers. The thread then continues from where it was stopped as
// if nothing happened.
//
// While the called function runs it may call hooked functions. Those
// traps are handed to the invoker's TrapHandler and the thread resumed
// until the function returns.
package fncall

import (
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/reborn-dev/reborn/pkg/logflags"
	"github.com/reborn-dev/reborn/pkg/proc"
)

var (
	errNoDispatch = errors.New("dispatch function not set")
	errNoExec     = errors.New("command execution function not set")
)

// TrapHandler is called when a thread running an injected call stops on a
// trap that is not the return of the call. It returns false if it does not
// know the trap, which aborts the call.
type TrapHandler func(th proc.Thread, pc uint64) (bool, error)

// Invoker injects calls. DispatchAddr and ExecAddr are the addresses used
// to call the original dispatch and command execution functions of the
// target, usually the trampolines of their hooks.
type Invoker struct {
	ABI proc.ABI
	// ReturnTrap is the address of a trap instruction used as the return
	// address of every injected call.
	ReturnTrap   uint64
	DispatchAddr uint64
	ExecAddr     uint64
	// OnTrap handles nested traps, it may be nil.
	OnTrap TrapHandler

	log logflags.Logger
}

// NewInvoker returns an invoker using the calling convention abi.
func NewInvoker(abi proc.ABI, returnTrap uint64) *Invoker {
	return &Invoker{ABI: abi, ReturnTrap: returnTrap, log: logflags.FnCallLogger()}
}

// Call calls the function at fn on th with integer arguments args and
// returns the integer return value.
func (inv *Invoker) Call(th proc.Thread, fn uint64, args ...uint64) (uint64, error) {
	saved, err := th.Registers()
	if err != nil {
		return 0, err
	}
	return inv.call(th, saved, saved.Copy(), fn, args)
}

// call runs fn with the stack pointer of regs and restores saved
// afterwards, whether the call succeeded or not.
func (inv *Invoker) call(th proc.Thread, saved, regs *proc.Registers, fn uint64, args []uint64) (ret uint64, err error) {
	// A thread stopped inside a system call must not have it restarted
	// over the injected call.
	regs.OrigRax = ^uint64(0)
	if err := inv.ABI.SetupCall(th, regs, fn, inv.ReturnTrap, args); err != nil {
		return 0, err
	}
	inv.log.Debugf("thread %d: call %#x %#x", th.ThreadID(), fn, args)
	if err := th.SetRegisters(regs); err != nil {
		return 0, err
	}
	defer func() {
		if rerr := th.SetRegisters(saved); rerr != nil && err == nil {
			err = rerr
		}
	}()

	for {
		pc, err := th.ContinueToTrap()
		if err != nil {
			return 0, fmt.Errorf("call to %#x: %w", fn, err)
		}
		if pc == inv.ReturnTrap+1 {
			break
		}
		handled := false
		if inv.OnTrap != nil {
			handled, err = inv.OnTrap(th, pc)
			if err != nil {
				return 0, fmt.Errorf("call to %#x: %w", fn, err)
			}
		}
		if !handled {
			return 0, &proc.UnexpectedStopError{ThreadID: th.ThreadID(), PC: pc, Signal: "unknown trap"}
		}
	}

	r, err := th.Registers()
	if err != nil {
		return 0, err
	}
	ret = inv.ABI.ReturnValue(r)
	inv.log.Debugf("thread %d: call %#x returned %#x", th.ThreadID(), fn, ret)
	return ret, nil
}

// Invoke calls the dispatch function with object, function and a pointer
// to a copy of block placed on the stack of th. It returns the block as
// the called function left it, along with the dispatch return value.
// The layout of block is not checked against what function expects.
func (inv *Invoker) Invoke(th proc.Thread, object, function uint64, block []byte) ([]byte, uint64, error) {
	if inv.DispatchAddr == 0 {
		return nil, 0, errNoDispatch
	}
	saved, err := th.Registers()
	if err != nil {
		return nil, 0, err
	}
	regs := saved.Copy()
	params, err := inv.ABI.PushBytes(th, regs, block)
	if err != nil {
		return nil, 0, err
	}
	inv.log.Debugf("invoke object %#x function %#x params %#x (% x)", object, function, params, block)
	ret, err := inv.call(th, saved, regs, inv.DispatchAddr, []uint64{object, function, params})
	if err != nil {
		return nil, 0, err
	}
	if len(block) == 0 {
		return nil, ret, nil
	}
	// The block is below the restored stack pointer but nothing ran on
	// this thread since the call returned.
	out, err := proc.ReadBytes(th, params, len(block))
	if err != nil {
		return nil, 0, err
	}
	return out, ret, nil
}

// InvokeParams is Invoke with a block built by Encode from fields.
func (inv *Invoker) InvokeParams(th proc.Thread, object, function uint64, fields ...interface{}) error {
	block, err := Encode(fields...)
	if err != nil {
		return err
	}
	_, _, err = inv.Invoke(th, object, function, block)
	return err
}

// Exec runs command through the command execution function of engine,
// writing output to outputDevice. It returns the value the function
// returned, non zero if the command was recognized.
func (inv *Invoker) Exec(th proc.Thread, engine uint64, command string, outputDevice uint64) (int32, error) {
	if inv.ExecAddr == 0 {
		return 0, errNoExec
	}
	saved, err := th.Registers()
	if err != nil {
		return 0, err
	}
	regs := saved.Copy()
	str, err := inv.ABI.PushBytes(th, regs, WideString(command))
	if err != nil {
		return 0, err
	}
	inv.log.Debugf("exec %q on engine %#x", command, engine)
	ret, err := inv.call(th, saved, regs, inv.ExecAddr, []uint64{engine, str, outputDevice})
	return int32(ret), err
}

// WideString encodes s as a NUL terminated UTF-16 little endian string.
func WideString(s string) []byte {
	u := utf16.Encode([]rune(s))
	b := make([]byte, 0, 2*len(u)+2)
	for _, c := range u {
		b = append(b, byte(c), byte(c>>8))
	}
	return append(b, 0, 0)
}
