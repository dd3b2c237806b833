// Package proc defines what the rest of reborn needs from a stopped
// process: reading and writing its memory, the registers of its threads and
// running a thread until it executes a breakpoint.
//
// The native subpackage implements it with ptrace, the fake subpackage with
// an in-memory address space for tests. proc itself holds the calling
// conventions used to read the arguments of intercepted calls and to set up
// injected ones.
package proc
