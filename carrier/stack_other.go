//go:build !linux && !darwin

package carrier

import "github.com/vthreadrt/continuation/arch"

// mapStack falls back to a heap-backed stack on platforms without
// anonymous mappings.
func mapStack(words int) ([]arch.Word, func() error, error) {
	return make([]arch.Word, words), nil, nil
}
