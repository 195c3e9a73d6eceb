package main

import "kernelcore/kernel/kmain"

var (
	multibootInfoPtr uintptr
	kernelStart      uintptr
	kernelEnd        uintptr
	pdtFrameAddr     uintptr
)

// main is a trampoline for kmain.Kmain. It exists only so the Go compiler
// doesn't optimize away the kernel code when linked without a real rt0 —
// this retrieval pack carries no assembly boot stub, so the package-level
// vars above stand in for the registers rt0 would otherwise populate before
// jumping here.
func main() {
	kmain.Kmain(multibootInfoPtr, kernelStart, kernelEnd, pdtFrameAddr)
}
