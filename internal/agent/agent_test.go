package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/swarm/internal/backend"
	"github.com/aristath/swarm/internal/scheduler"
)

// fakeSender records messages and replies with canned responses.
type fakeSender struct {
	mu        sync.Mutex
	replies   []backend.Response
	err       error
	messages  []backend.Message
	callCount int
}

func (f *fakeSender) Send(_ context.Context, msg backend.Message) (backend.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	f.callCount++
	if f.err != nil {
		return backend.Response{Cost: 0.01}, f.err
	}
	if len(f.replies) == 0 {
		return backend.Response{}, nil
	}
	resp := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return resp, nil
}

func TestRegistry_RoutesByRole(t *testing.T) {
	coder := InvokerFunc(func(_ context.Context, req Request) (Artifact, error) {
		return Artifact{Content: "code for " + req.Spec.ID}, nil
	})
	tester := InvokerFunc(func(_ context.Context, req Request) (Artifact, error) {
		return Artifact{Content: "tests for " + req.Spec.ID}, nil
	})

	reg := NewRegistry(nil)
	reg.Register("coder", coder)
	reg.Register("tester", tester)
	assert.Equal(t, []string{"coder", "tester"}, reg.Roles())

	art, err := reg.Invoke(context.Background(), Request{Spec: scheduler.TaskSpec{ID: "a", Role: "tester"}})
	require.NoError(t, err)
	assert.Equal(t, "tests for a", art.Content)

	_, err = reg.Invoke(context.Background(), Request{Spec: scheduler.TaskSpec{ID: "b", Role: "designer"}})
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "designer", invErr.Role)
	assert.True(t, IsTransient(err))

	withFallback := NewRegistry(coder)
	art, err = withFallback.Invoke(context.Background(), Request{Spec: scheduler.TaskSpec{ID: "c", Role: "designer"}})
	require.NoError(t, err)
	assert.Equal(t, "code for c", art.Content)
}

func TestBackendInvoker_BuildsPrompt(t *testing.T) {
	sender := &fakeSender{replies: []backend.Response{{Content: "diff --git", Cost: 0.07, SessionID: "s1"}}}
	inv := NewBackendInvoker("coder", sender, "You write Go.", map[scheduler.Tier]string{scheduler.TierArchitect: "opus"}, nil)

	art, err := inv.Invoke(context.Background(), Request{
		Spec:     scheduler.TaskSpec{ID: "api", Name: "API", Description: "Add the endpoint", Criteria: "returns 200"},
		Tier:     scheduler.TierArchitect,
		Inputs:   map[string]string{"schema": "CREATE TABLE x"},
		Previous: "old diff",
		Feedback: []string{"missing test"},
		Attempt:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, "diff --git", art.Content)
	assert.InDelta(t, 0.07, art.Cost, 1e-9)
	assert.Equal(t, "s1", art.Metadata["session_id"])

	require.Len(t, sender.messages, 1)
	msg := sender.messages[0]
	assert.Equal(t, "opus", msg.Model)
	assert.Equal(t, "You write Go.", msg.SystemPrompt)
	for _, want := range []string{"Add the endpoint", "returns 200", "CREATE TABLE x", "old diff", "- missing test"} {
		assert.Contains(t, msg.Content, want)
	}
}

func TestBackendInvoker_Errors(t *testing.T) {
	tests := []struct {
		name   string
		sender *fakeSender
	}{
		{"backend failure", &fakeSender{err: errors.New("exit status 1")}},
		{"empty reply", &fakeSender{replies: []backend.Response{{Content: "   "}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := NewBackendInvoker("coder", tt.sender, "", nil, nil)
			_, err := inv.Invoke(context.Background(), Request{Spec: scheduler.TaskSpec{ID: "t"}})
			var invErr *InvocationError
			require.ErrorAs(t, err, &invErr)
			assert.Equal(t, "t", invErr.TaskID)
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Verdict
		wantErr bool
	}{
		{
			name:  "bare json",
			input: `{"score": 0.9, "approved": true, "issues": []}`,
			want:  Verdict{Score: 0.9, Approved: true, Issues: []string{}},
		},
		{
			name:  "wrapped in prose",
			input: "Here is my review:\n```json\n{\"score\": 0.4, \"approved\": false, \"issues\": [\"no tests\"]}\n```",
			want:  Verdict{Score: 0.4, Issues: []string{"no tests"}},
		},
		{name: "no json", input: "looks good to me", wantErr: true},
		{name: "score out of range", input: `{"score": 7}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVerdict(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBackendReviewer_Review(t *testing.T) {
	sender := &fakeSender{replies: []backend.Response{{Content: `{"score":0.85,"approved":false,"issues":["nit"]}`, Cost: 0.02}}}
	rev := NewBackendReviewer(sender, "", "haiku", nil)

	v, err := rev.Review(context.Background(), Artifact{Content: "the work"}, "coder", "compiles")
	require.NoError(t, err)
	assert.InDelta(t, 0.85, v.Score, 1e-9)
	assert.InDelta(t, 0.02, v.Cost, 1e-9)
	assert.Equal(t, "haiku", sender.messages[0].Model)
	assert.Contains(t, sender.messages[0].Content, "compiles")
	assert.Contains(t, sender.messages[0].Content, "the work")

	bad := NewBackendReviewer(&fakeSender{replies: []backend.Response{{Content: "sure"}}}, "", "", nil)
	_, err = bad.Review(context.Background(), Artifact{}, "coder", "")
	assert.True(t, IsTransient(err))
}

func TestParsePlan(t *testing.T) {
	response := `Plan:
[
  {"id": "Schema", "title": "Create schema", "description": "tables", "role": "coder", "depends_on": []},
  {"id": "api", "title": "Build API", "description": "endpoints", "role": "coder", "depends_on": ["Create schema", "setup"]},
  {"title": "Write tests", "description": "", "role": "tester", "depends_on": ["api"]}
]`
	specs, err := parsePlan(response, map[string]bool{"setup": true})
	require.NoError(t, err)
	require.Len(t, specs, 3)

	assert.Equal(t, "schema", specs[0].ID)
	assert.Equal(t, []string{"schema", "setup"}, specs[1].DependsOn)
	assert.NotEmpty(t, specs[2].ID)
	assert.Equal(t, "Write tests", specs[2].Description)
	assert.Equal(t, []string{"api"}, specs[2].DependsOn)

	_, err = parsePlan(`[{"id":"a","depends_on":["ghost"]}]`, nil)
	assert.ErrorContains(t, err, "ghost")

	_, err = parsePlan("no plan here", nil)
	assert.Error(t, err)

	_, err = parsePlan("[]", nil)
	assert.Error(t, err)
}

func TestBackendPlanner_DefaultsUnknownRoles(t *testing.T) {
	sender := &fakeSender{replies: []backend.Response{{Content: `[{"id":"a","description":"x","role":"wizard"}]`}}}
	p := NewBackendPlanner(sender, "", "", []string{"coder", "tester"}, nil)

	specs, err := p.Decompose(context.Background(), "build it")
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "coder", specs[0].Role)
	assert.Contains(t, sender.messages[0].Content, "build it")
	assert.Contains(t, sender.messages[0].Content, "coder, tester")
}

func TestBackendPlanner_ReplanPrompt(t *testing.T) {
	sender := &fakeSender{replies: []backend.Response{{Content: `[{"id":"retry-api","description":"simpler","role":"coder","depends_on":["schema"]}]`}}}
	p := NewBackendPlanner(sender, "", "", nil, nil)

	specs, err := p.Replan(context.Background(), PivotContext{
		Request:   "export invoices",
		Failed:    scheduler.TaskSpec{ID: "api", Role: "coder", Description: "build api"},
		Cause:     errors.New("reviewer rejected"),
		Completed: []CompletedTask{{Spec: scheduler.TaskSpec{ID: "schema", Name: "Schema"}, Result: "ok"}},
		Remaining: []scheduler.TaskSpec{{ID: "api", Description: "build api"}},
		Pivot:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"schema"}, specs[0].DependsOn)

	prompt := sender.messages[0].Content
	for _, want := range []string{"export invoices", "reviewer rejected", "- schema: Schema", "- api: build api"} {
		assert.True(t, strings.Contains(prompt, want), "prompt missing %q", want)
	}
}

func TestBackendPlanner_ReplanMayDependOnRunningTasks(t *testing.T) {
	sender := &fakeSender{replies: []backend.Response{{Content: `[{"id":"c2","description":"smaller c","role":"coder","depends_on":["b"]}]`}}}
	p := NewBackendPlanner(sender, "", "", nil, nil)

	specs, err := p.Replan(context.Background(), PivotContext{
		Request:   "export invoices",
		Failed:    scheduler.TaskSpec{ID: "a", Role: "coder", Description: "build a"},
		Cause:     errors.New("retries exhausted"),
		Running:   []scheduler.TaskSpec{{ID: "b", Description: "build b"}},
		Remaining: []scheduler.TaskSpec{{ID: "a", Description: "build a"}, {ID: "c", Description: "build c", DependsOn: []string{"b"}}},
		Pivot:     1,
	})
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "c2", specs[0].ID)
	assert.Equal(t, []string{"b"}, specs[0].DependsOn)

	prompt := sender.messages[0].Content
	assert.Contains(t, prompt, "Tasks still running")
	assert.Contains(t, prompt, "- b: build b")
	assert.Contains(t, prompt, "- c: build c (depends on b)")
}

func TestCallWithTimeout(t *testing.T) {
	slow := func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}

	_, err := CallWithTimeout(context.Background(), 20*time.Millisecond, "t1", "invoke", slow)
	var toErr *TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "invoke", toErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, IsTransient(err))

	// Parent cancellation is not a timeout
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = CallWithTimeout(ctx, time.Second, "t1", "invoke", slow)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.As(err, &toErr))

	out, err := CallWithTimeout(context.Background(), 0, "t1", "review", func(context.Context) (string, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
}
