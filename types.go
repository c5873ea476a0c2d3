package workerpool

import "github.com/cryguy/workerpool/internal/core"

// Aliases re-exporting internal/core types so callers can use
// workerpool.Message, workerpool.EngineConfig, etc. without importing the
// internal package.

type WorkerID = core.WorkerID
type Payload = core.Payload
type PayloadKind = core.PayloadKind
type Message = core.Message
type ErrorReport = core.ErrorReport
type MessageHandler = core.MessageHandler
type ErrorHandler = core.ErrorHandler
type EngineConfig = core.EngineConfig
type JSRuntime = core.JSRuntime
type NewRuntimeFunc = core.NewRuntimeFunc

const (
	OwnerID     = core.OwnerID
	PayloadText = core.PayloadText
	PayloadJSON = core.PayloadJSON
)

var (
	TextPayload         = core.TextPayload
	DefaultEngineConfig = core.DefaultEngineConfig
	ErrScriptTooLarge   = core.ErrScriptTooLarge
)
