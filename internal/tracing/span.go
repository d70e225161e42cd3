package tracing

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
const (
	AttrShardID  = attribute.Key("keyshard.shard.id")
	AttrJobID    = attribute.Key("keyshard.job.id")
	AttrModel    = attribute.Key("keyshard.model")
	AttrResource = attribute.Key("keyshard.resource")
	AttrClass    = attribute.Key("keyshard.class")
)

// StartShardSpan starts a span covering one shard execution.
func StartShardSpan(ctx context.Context, tracer trace.Tracer, model, resource string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	name := "shard"
	if model != "" {
		name = "shard " + model
	}
	ctx, span := tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(AttrModel.String(model), AttrResource.String(resource))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// EndSpan finishes a span, recording error status if applicable.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// envCarrier maps propagation fields onto upper-case environment variable
// names (traceparent becomes TRACEPARENT).
type envCarrier map[string]string

func (c envCarrier) Get(key string) string {
	return c[strings.ToUpper(key)]
}

func (c envCarrier) Set(key, value string) {
	c[strings.ToUpper(key)] = value
}

func (c envCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, strings.ToLower(k))
	}
	return keys
}

// InjectEnv returns KEY=value pairs carrying the trace context of ctx, ready
// to append to a child process environment. It returns nil when ctx holds no
// span.
func InjectEnv(ctx context.Context) []string {
	carrier := envCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	env := make([]string, 0, len(carrier))
	for k, v := range carrier {
		env = append(env, k+"="+v)
	}
	return env
}

// ExtractEnv returns ctx extended with any trace context found in environ,
// which has the os.Environ format.
func ExtractEnv(ctx context.Context, environ []string) context.Context {
	carrier := envCarrier{}
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch k {
		case "TRACEPARENT", "TRACESTATE", "BAGGAGE":
			carrier[k] = v
		}
	}
	if len(carrier) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

var _ propagation.TextMapCarrier = envCarrier{}
