package plugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"monorun/internal/trace"
)

// Spec enables a built-in plugin from configuration.
type Spec struct {
	Name    string            `yaml:"name"`
	URL     string            `yaml:"url,omitempty"`
	Path    string            `yaml:"path,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

// Build instantiates the plugins named by specs, in order.
func Build(specs []Spec, log *zap.Logger) ([]Plugin, error) {
	out := make([]Plugin, 0, len(specs))
	for i, s := range specs {
		switch s.Name {
		case "log":
			out = append(out, NewLogPlugin(log))
		case "webhook":
			if s.URL == "" {
				return nil, fmt.Errorf("plugins[%d]: webhook requires url", i)
			}
			out = append(out, NewWebhook(s))
		case "trace":
			if s.Path == "" {
				return nil, fmt.Errorf("plugins[%d]: trace requires path", i)
			}
			out = append(out, NewTracePlugin(s.Path, log))
		default:
			return nil, fmt.Errorf("plugins[%d]: unknown plugin %q", i, s.Name)
		}
	}
	return out, nil
}

// LogPlugin writes one debug line per event.
type LogPlugin struct {
	log *zap.Logger
}

func NewLogPlugin(log *zap.Logger) *LogPlugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogPlugin{log: log.Named("events")}
}

func (p *LogPlugin) Name() string { return "log" }

func (p *LogPlugin) OnEvent(_ context.Context, e Event) error {
	fields := []zap.Field{zap.String("package", e.Package), zap.String("task", e.Task)}
	if e.Fingerprint != "" {
		fields = append(fields, zap.String("hash", e.Fingerprint))
	}
	switch e.Kind {
	case CacheHit:
		fields = append(fields, zap.String("source", string(e.Source)))
	case AfterTask:
		fields = append(fields, zap.Bool("success", e.Success))
	}
	p.log.Debug(string(e.Kind), fields...)
	return nil
}

func (p *LogPlugin) Close(context.Context) error { return nil }

// Webhook POSTs every event as JSON.
type Webhook struct {
	url     string
	headers map[string]string
	timeout time.Duration
	client  *fasthttp.Client
}

func NewWebhook(s Spec) *Webhook {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Webhook{
		url:     s.URL,
		headers: s.Headers,
		timeout: timeout,
		client: &fasthttp.Client{
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         timeout,
			WriteTimeout:        timeout,
		},
	}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) OnEvent(ctx context.Context, e Event) error {
	body, err := sonic.Marshal(e)
	if err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.url)
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	deadline := time.Now().Add(w.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := w.client.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("posting event: %w", err)
	}
	if code := resp.StatusCode(); code >= 300 {
		return fmt.Errorf("webhook responded %d", code)
	}
	return nil
}

func (w *Webhook) Close(context.Context) error {
	w.client.CloseIdleConnections()
	return nil
}

// TracePlugin records events with a trace.Recorder and writes the canonical
// trace to Path on Close.
type TracePlugin struct {
	path string
	log  *zap.Logger

	once sync.Once
	rec  *trace.Recorder
}

func NewTracePlugin(path string, log *zap.Logger) *TracePlugin {
	if log == nil {
		log = zap.NewNop()
	}
	return &TracePlugin{path: path, log: log}
}

func (p *TracePlugin) Name() string { return "trace" }

func (p *TracePlugin) OnEvent(_ context.Context, e Event) error {
	p.once.Do(func() { p.rec = trace.NewRecorder(e.Task) })
	te := trace.TraceEvent{TaskID: e.Package + "#" + e.Task, Fingerprint: e.Fingerprint}
	switch e.Kind {
	case BeforeTask:
		te.Kind = trace.EventTaskStarted
	case CacheHit:
		te.Kind = trace.EventTaskCacheHit
		te.Reason = string(e.Source)
	case CacheMiss:
		te.Kind = trace.EventTaskCacheMiss
	case AfterTask:
		te.Kind = trace.EventTaskCompleted
		if !e.Success {
			te.Kind = trace.EventTaskFailed
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	p.rec.Record(te)
	return nil
}

// Close writes nothing when no event was seen.
func (p *TracePlugin) Close(context.Context) error {
	if p.rec == nil {
		return nil
	}
	hash, err := p.rec.WriteFile(p.path)
	if err != nil {
		return err
	}
	p.log.Info("trace written", zap.String("path", p.path), zap.Int("events", p.rec.Len()), zap.String("hash", hash))
	return nil
}
