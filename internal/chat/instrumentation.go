package chat

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/avatarchat/internal/chat"

var tracer = otel.Tracer(scopeName)
