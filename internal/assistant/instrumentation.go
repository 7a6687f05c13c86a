package assistant

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/avatarchat/internal/assistant"

var tracer = otel.Tracer(scopeName)
