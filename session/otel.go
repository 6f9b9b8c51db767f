package session

import "go.opentelemetry.io/otel"

var tracer = otel.Tracer("github.com/agentuity/go-acp/session")
