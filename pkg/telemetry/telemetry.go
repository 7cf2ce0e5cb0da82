// Package telemetry records gateway metrics through the OpenTelemetry
// global meter provider. When the embedder installs no provider the
// counters are no-ops, so call sites never need to guard.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/mcpbox/mcpbox")

var (
	toolCalls, _ = meter.Int64Counter("mcpbox.tool.calls",
		metric.WithDescription("Tool invocations routed to child servers"))
	tokenGrants, _ = meter.Int64Counter("mcpbox.oauth.grants",
		metric.WithDescription("Token endpoint grants processed"))
	childStarts, _ = meter.Int64Counter("mcpbox.child.starts",
		metric.WithDescription("Child server start attempts"))
	requests, _ = meter.Int64Counter("mcpbox.rpc.requests",
		metric.WithDescription("JSON-RPC requests dispatched"))
)

// RecordToolCall counts one routed tool invocation.
func RecordToolCall(ctx context.Context, server string) {
	toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("server", server)))
}

// RecordTokenGrant counts one token-endpoint request by grant type.
func RecordTokenGrant(ctx context.Context, grantType string) {
	tokenGrants.Add(ctx, 1, metric.WithAttributes(attribute.String("grant_type", grantType)))
}

// RecordChildStart counts one child start attempt and its outcome.
func RecordChildStart(ctx context.Context, server string, ok bool) {
	childStarts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("server", server),
		attribute.Bool("ok", ok),
	))
}

// RecordRequest counts one dispatched JSON-RPC method.
func RecordRequest(ctx context.Context, method string) {
	requests.Add(ctx, 1, metric.WithAttributes(attribute.String("method", method)))
}
