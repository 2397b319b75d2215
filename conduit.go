package conduit

import (
	"github.com/petrijr/conduit/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Event                = api.Event
	KeyFunc              = api.KeyFunc
	WorkflowDefinition   = api.WorkflowDefinition
	StepDefinition       = api.StepDefinition
	WorkflowInstance     = api.WorkflowInstance
	InstanceFilter       = api.InstanceFilter
	Status               = api.Status
	StepFunc             = api.StepFunc
	StepInfo             = api.StepInfo
	RetryPolicy          = api.RetryPolicy
	Receipt              = api.Receipt
	DeadLetterEntry      = api.DeadLetterEntry
	DeadLetterFilter     = api.DeadLetterFilter
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	ErrorKind            = api.ErrorKind
)

// Re-export common helpers.

var (
	NewEvent             = api.NewEvent
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	StepInfoFromContext  = api.StepInfoFromContext
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NoRetry              = api.NoRetry

	EventIDKey      = api.EventIDKey
	PayloadHashKey  = api.PayloadHashKey
	DefaultKey      = api.DefaultKey
	PayloadFieldKey = api.PayloadFieldKey

	Transient  = api.Transient
	Transientf = api.Transientf
	Permanent  = api.Permanent
	Permanentf = api.Permanentf
	KindOf     = api.KindOf

	IsConfigError = api.IsConfigError
)

// Re-export status values for convenience.

const (
	StatusPending      = api.StatusPending
	StatusRunning      = api.StatusRunning
	StatusSucceeded    = api.StatusSucceeded
	StatusFailed       = api.StatusFailed
	StatusDeadLettered = api.StatusDeadLettered
)

const (
	KindTransient = api.KindTransient
	KindPermanent = api.KindPermanent
)

// Re-export the errors callers usually match on.

var (
	ErrDuplicateInFlight = api.ErrDuplicateInFlight
	ErrRateLimitExceeded = api.ErrRateLimitExceeded
	ErrStepTimeout       = api.ErrStepTimeout
	ErrCircuitOpen       = api.ErrCircuitOpen
	ErrEntryNotFound     = api.ErrEntryNotFound
	ErrInstanceNotFound  = api.ErrInstanceNotFound
	ErrEngineClosed      = api.ErrEngineClosed
	ErrInstanceCancelled = api.ErrInstanceCancelled
)
