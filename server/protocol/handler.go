package protocol

import (
	"context"
	"fmt"

	"github.com/kfcemployee/fileserver/server/engine"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scope = "github.com/kfcemployee/fileserver/server/protocol"

// HTTPParser serves files under Root, it is the engine.Handler of the server.
// It keeps no per-connection state, everything lives in the session.
type HTTPParser struct {
	Root string

	tracer    trace.Tracer
	responses metric.Int64Counter
}

func NewHTTPParser(root string) (*HTTPParser, error) {
	responses, err := otel.Meter(scope).Int64Counter("fileserver.responses",
		metric.WithDescription("Responses queued, by status code"),
		metric.WithUnit("{response}"))
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	return &HTTPParser{
		Root:      root,
		tracer:    otel.Tracer(scope),
		responses: responses,
	}, nil
}

// Process parses what was read so far and, once the request is complete,
// resolves the target and queues the response. The pool resource is not used here.
func (p *HTTPParser) Process(s *engine.Session, _ any) engine.Verdict {
	code := parse(s)
	if code == Incomplete {
		return engine.NeedMore
	}

	ctx, span := p.tracer.Start(context.Background(), "fileserver.request")
	defer span.End()

	var ctype string
	if code == Complete {
		span.SetAttributes(attribute.String("url.path", string(s.Req.URL.AsBuf(s))))
		code, ctype = resolve(p.Root, s)
	}
	if code == InternalError {
		s.Req.Linger = false
	}

	status := statusOf(code)
	if err := buildResponse(s, code, ctype); err != nil {
		s.Release()
		span.RecordError(err)
		s.Log.Warn().Err(err).Uint16("status", status).Msg("response does not fit, sending 500")

		s.WriteIdx = 0
		s.Req.Linger = false
		status = statusOf(InternalError)
		if err := buildResponse(s, InternalError, ""); err != nil {
			s.Log.Error().Err(err).Msg("response aborted")
			return engine.Abort
		}
	}
	span.SetAttributes(attribute.Int("http.response.status_code", int(status)))

	p.responses.Add(ctx, 1, metric.WithAttributes(attribute.Int("http.status_code", int(status))))
	s.Log.Debug().
		Bytes("url", s.Req.URL.AsBuf(s)).
		Uint16("status", status).
		Bool("keep_alive", s.Req.Linger).
		Msg("response queued")
	return engine.Respond
}
