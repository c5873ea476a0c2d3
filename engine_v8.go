//go:build v8

package workerpool

import (
	"github.com/cryguy/workerpool/internal/core"
	"github.com/cryguy/workerpool/internal/v8engine"
)

func defaultRuntime(memoryLimitMB int) (core.JSRuntime, error) {
	return v8engine.New(memoryLimitMB)
}
