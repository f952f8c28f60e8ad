//go:build cgo && !windows

package libffi

/*
#include <ffi.h>
#include <stdint.h>
*/
import "C"

import (
	"runtime/cgo"
	"unsafe"

	"github.com/ollama/cffi/backend"
)

type callbackContext struct {
	fn      *Type
	handler backend.Handler
}

// cffiCallbackInvoke runs on whatever thread native code calls the closure
// from. Arguments are copied out of native memory before the handler runs
// so every invocation owns its buffers.
//
//export cffiCallbackInvoke
func cffiCallbackInvoke(_ *C.ffi_cif, ret unsafe.Pointer, args *unsafe.Pointer, user C.uintptr_t) {
	ctx := cgo.Handle(user).Value().(*callbackContext)
	fn := ctx.fn

	in := make([][]byte, len(fn.args))
	slots := unsafe.Slice(args, len(fn.args))
	for i, a := range fn.args {
		in[i] = C.GoBytes(slots[i], C.int(a.size))
	}

	out := make([]byte, max(fn.result.size, 0))
	ctx.handler(in, out)

	switch {
	case fn.result.kind == kindVoid:
	case widened(fn.result):
		*(*C.ffi_arg)(ret) = C.ffi_arg(getWide(out, fn.result.signed))
	default:
		copy(unsafe.Slice((*byte)(ret), len(out)), out)
	}
}
