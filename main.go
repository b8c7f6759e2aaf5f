package main

import (
	"unsafe"

	"github.com/rianquinn/hypervisor-sub002/kernel/bfargs"
	"github.com/rianquinn/hypervisor-sub002/kernel/mkmain"
)

// argsPtr is the physical/virtual address of this PP's bfargs.Args, placed
// here by the loader's rt0 stub before it calls main. A package-level
// variable, rather than a function parameter threaded through assembly,
// keeps the rt0 hand-off to a single store the stub can perform without
// knowing the Go ABI.
var argsPtr uintptr

// main is the only Go symbol the rt0 initialization code calls. It is a
// trampoline into mkmain.Process and is not expected to return: Process
// either loops forever trampolining the extension and its guests, or hands
// control back to the host OS via promote outside this kernel's scope. If it
// does return, the rt0 code halts the CPU.
//
//go:noinline
func main() {
	mkmain.Process((*bfargs.Args)(unsafe.Pointer(argsPtr)))
}
