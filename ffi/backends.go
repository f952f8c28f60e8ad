package ffi

import (
	_ "github.com/ollama/cffi/backend/fake"
	_ "github.com/ollama/cffi/backend/libffi"
)
