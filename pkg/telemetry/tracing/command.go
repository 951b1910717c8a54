package tracing

import (
	"github.com/pulsario/pulsar/pkg/command"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// WrapDispatch wraps a command.Registry's Dispatch in a span per call,
// generalizing the teacher's eventbus WrapConsumerHandler/
// RequestWithSpan pair (one span per publish/consume) onto Pulsar's
// single dispatch entry point: every inbound command, regardless of
// verb, gets the same span treatment instead of each mailbox command
// needing its own tracing call site.
func WrapDispatch(next func(req *command.Request) (interface{}, error)) func(req *command.Request) (interface{}, error) {
	if !IsInitialized() {
		return next
	}
	return func(req *command.Request) (interface{}, error) {
		ctx := req.Ctx
		_, span := StartSpan(ctx, "command.dispatch."+req.Command,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				Attribute("command.name", req.Command),
				Attribute("command.caller_aid", req.CallerAID),
				Attribute("command.target_aid", req.TargetAID),
			),
		)
		defer span.End()

		result, err := next(req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return result, err
	}
}
