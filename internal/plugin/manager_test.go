package plugin

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"monorun/internal/report"
)

type recordingPlugin struct {
	mu     sync.Mutex
	events []Event
	closed bool
	err    error
	block  chan struct{}
}

func (p *recordingPlugin) Name() string { return "recording" }

func (p *recordingPlugin) OnEvent(_ context.Context, e Event) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *recordingPlugin) Close(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *recordingPlugin) kinds() []Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Kind
	for _, e := range p.events {
		out = append(out, e.Kind)
	}
	return out
}

type panickingPlugin struct{}

func (panickingPlugin) Name() string                         { return "panicky" }
func (panickingPlugin) OnEvent(context.Context, Event) error { panic("boom") }
func (panickingPlugin) Close(context.Context) error          { return nil }

func TestManager_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	rec := &recordingPlugin{}
	m := NewManager([]Plugin{panickingPlugin{}, rec}, nil)

	for _, k := range []Kind{BeforeTask, CacheMiss, AfterTask} {
		m.Emit(Event{Kind: k, Package: "A", Task: "build"})
	}
	require.NoError(t, m.Close(context.Background()))

	assert.Equal(t, []Kind{BeforeTask, CacheMiss, AfterTask}, rec.kinds())
	assert.True(t, rec.closed)
	delivered, dropped, failed := m.Stats()
	assert.EqualValues(t, 3, delivered)
	assert.EqualValues(t, 0, dropped)
	assert.EqualValues(t, 3, failed, "each panic is isolated and counted")
}

func TestManager_PluginErrorsAreSwallowed(t *testing.T) {
	rec := &recordingPlugin{err: errors.New("nope")}
	m := NewManager([]Plugin{rec}, nil)
	m.Emit(Event{Kind: BeforeTask})
	require.NoError(t, m.Close(context.Background()))
	assert.Len(t, rec.kinds(), 1)
}

func TestManager_FullQueueDropsWithoutBlocking(t *testing.T) {
	rec := &recordingPlugin{block: make(chan struct{})}
	m := NewManager([]Plugin{rec}, nil, WithQueueSize(1))

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			m.Emit(Event{Kind: BeforeTask})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a full queue")
	}

	close(rec.block)
	require.NoError(t, m.Close(context.Background()))
	_, dropped, _ := m.Stats()
	assert.GreaterOrEqual(t, dropped, uint64(8))
}

func TestManager_EmitAfterCloseIsDropped(t *testing.T) {
	m := NewManager(nil, nil)
	require.NoError(t, m.Close(context.Background()))
	m.Emit(Event{Kind: BeforeTask})
	_, dropped, _ := m.Stats()
	assert.EqualValues(t, 1, dropped)
	assert.NoError(t, m.Close(context.Background()), "second Close is a no-op")
}

func TestBuild(t *testing.T) {
	ps, err := Build([]Spec{{Name: "log"}, {Name: "webhook", URL: "http://x"}, {Name: "trace", Path: "t.json"}}, nil)
	require.NoError(t, err)
	require.Len(t, ps, 3)
	assert.Equal(t, "trace", ps[2].Name())

	_, err = Build([]Spec{{Name: "webhook"}}, nil)
	assert.Error(t, err)
	_, err = Build([]Spec{{Name: "carrier-pigeon"}}, nil)
	assert.Error(t, err)
}

func TestWebhook_PostsEventJSON(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()

	received := make(chan Event, 1)
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) {
			var e Event
			if err := sonic.Unmarshal(ctx.PostBody(), &e); err != nil {
				ctx.SetStatusCode(fasthttp.StatusBadRequest)
				return
			}
			if string(ctx.Request.Header.Peek("X-Token")) != "secret" {
				ctx.SetStatusCode(fasthttp.StatusUnauthorized)
				return
			}
			received <- e
		})
	}()

	w := NewWebhook(Spec{Name: "webhook", URL: "http://hooks.local/monorun", Headers: map[string]string{"X-Token": "secret"}})
	w.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }

	err := w.OnEvent(context.Background(), Event{Kind: CacheHit, Package: "A", Task: "build", Source: report.SourceRemote})
	require.NoError(t, err)
	got := <-received
	assert.Equal(t, CacheHit, got.Kind)
	assert.Equal(t, report.SourceRemote, got.Source)
}

func TestWebhook_ErrorStatus(t *testing.T) {
	ln := fasthttputil.NewInmemoryListener()
	defer ln.Close()
	go func() {
		_ = fasthttp.Serve(ln, func(ctx *fasthttp.RequestCtx) { ctx.SetStatusCode(fasthttp.StatusInternalServerError) })
	}()

	w := NewWebhook(Spec{URL: "http://hooks.local/"})
	w.client.Dial = func(string) (net.Conn, error) { return ln.Dial() }
	assert.Error(t, w.OnEvent(context.Background(), Event{Kind: BeforeTask}))
}

func TestTracePlugin_WritesCanonicalTrace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "trace.json")
	p := NewTracePlugin(path, nil)

	for _, e := range []Event{
		{Kind: BeforeTask, Package: "B", Task: "build"},
		{Kind: CacheHit, Package: "A", Task: "build", Source: report.SourceLocal, Fingerprint: "f"},
		{Kind: AfterTask, Package: "B", Task: "build", Success: false},
	} {
		require.NoError(t, p.OnEvent(context.Background(), e))
	}
	require.NoError(t, p.Close(context.Background()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t,
		`{"task":"build","events":[{"kind":"TaskCacheHit","taskId":"A#build","reason":"local","hash":"f"},{"kind":"TaskStarted","taskId":"B#build"},{"kind":"TaskFailed","taskId":"B#build"}]}`+"\n",
		string(data))
}

func TestNop(t *testing.T) {
	var e Emitter = Nop{}
	e.Emit(Event{Kind: BeforeTask})
}
