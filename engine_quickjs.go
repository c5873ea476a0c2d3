//go:build !v8

package workerpool

import (
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/quickjs"
)

func defaultRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	return quickjs.New(memoryLimitMB)
}
