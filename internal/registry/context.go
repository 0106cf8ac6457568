package registry

import (
	"context"

	"github.com/kidoz/dotcelery/internal/message"
)

// ProgressReporter is the typed seam a handler uses to report
// in-flight progress (§4.11), injected into TaskContext so handlers
// never depend on the progress package directly.
type ProgressReporter interface {
	Update(taskID string, percent float64, msg string, itemsProcessed, totalItems int, step string)
}

// ServiceLocator resolves a named dependency (DB pool, HTTP client,
// ...) for a handler without the registry depending on a concrete DI
// container (§3 "typed service-locator callback").
type ServiceLocator func(name string) (any, bool)

// TaskContext is constructed once per dispatch (§4.9 h) and passed to
// the handler, filters, and progress reporter.
type TaskContext struct {
	Context       context.Context
	TaskID        string
	TaskName      string
	Retries       int
	MaxRetries    int
	Headers       map[string]string
	PartitionKey  string
	TenantID      string
	CorrelationID string

	Progress ProgressReporter
	Locate   ServiceLocator

	// SoftLimitHit is closed by the pipeline's time-limit stage when
	// the soft deadline elapses, giving the handler a recoverable
	// signal distinct from hard cancellation via Context.
	SoftLimitHit <-chan struct{}
}

// Message is an alias of the full wire message type, for filters that
// need more than TaskContext exposes.
type Message = message.TaskMessage

// FilterResult is the tagged-union outcome a filter may return, per
// §9's pipeline redesign note — no exception control flow.
type FilterResult struct {
	Kind    FilterResultKind
	Result  []byte
	Err     error
	Handled bool
}

type FilterResultKind int

const (
	FilterContinue FilterResultKind = iota
	FilterShortCircuitSuccess
	FilterShortCircuitFail
	FilterHandled
)

// Filter implements OnExecuting/OnExecuted/OnException hooks run in
// FilterOrder.Order order (ascending for OnExecuting, descending for
// OnExecuted/OnException) around a handler invocation (§4.9 j, l).
type Filter interface {
	OnExecuting(ctx *TaskContext) FilterResult
	OnExecuted(ctx *TaskContext, output []byte) FilterResult
	OnException(ctx *TaskContext, cause error) FilterResult
}

// NopFilter satisfies Filter by always continuing; embed it to
// implement only the hooks a concrete filter cares about.
type NopFilter struct{}

func (NopFilter) OnExecuting(*TaskContext) FilterResult            { return FilterResult{Kind: FilterContinue} }
func (NopFilter) OnExecuted(*TaskContext, []byte) FilterResult     { return FilterResult{Kind: FilterContinue} }
func (NopFilter) OnException(*TaskContext, error) FilterResult     { return FilterResult{Kind: FilterContinue} }
