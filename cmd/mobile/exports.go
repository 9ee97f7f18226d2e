//go:build cgo

package main

// All exported functions use C calling convention and can be called from Dart FFI.
// The //export directives automatically generate C function declarations.
// Every returned string must be released with FreeString.

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export Init
func Init(dataDir, baseURL *C.char, online C.int) *C.char {
	return C.CString(core.Init(C.GoString(dataDir), C.GoString(baseURL), online != 0))
}

//export Cleanup
func Cleanup() *C.char {
	return C.CString(core.Cleanup())
}

//export Call
func Call(request *C.char) *C.char {
	return C.CString(core.Call(C.GoString(request)))
}

//export Enqueue
func Enqueue(request *C.char) *C.char {
	return C.CString(core.Enqueue(C.GoString(request)))
}

//export Flush
func Flush(max C.int) *C.char {
	return C.CString(core.Flush(int(max)))
}

//export List
func List() *C.char {
	return C.CString(core.List())
}

//export Discard
func Discard(id C.longlong) *C.char {
	return C.CString(core.Discard(int64(id)))
}

//export Stats
func Stats() *C.char {
	return C.CString(core.Stats())
}

//export NotifyConnectivity
func NotifyConnectivity(online C.int) *C.char {
	return C.CString(core.NotifyConnectivity(online != 0))
}

//export NotifyFocus
func NotifyFocus() *C.char {
	return C.CString(core.NotifyFocus())
}

//export DrainEvents
func DrainEvents() *C.char {
	return C.CString(core.DrainEvents())
}

//export GetLastError
func GetLastError() *C.char {
	return C.CString(core.LastError())
}

//export FreeString
func FreeString(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}
