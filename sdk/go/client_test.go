package taskgraphsdk

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"taskgraph/internal/config"
	"taskgraph/internal/db"
	"taskgraph/internal/engine"
	"taskgraph/internal/migrate"
	"taskgraph/internal/server"
)

func startServer(t *testing.T) string {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("sdk")
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }
	if _, err := e.InitProject(context.Background(), "sdk", "", "tester"); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := server.New(server.Config{Engine: e, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		conn.Close()
	})
	return "http://" + ln.Addr().String()
}

func TestClientDependencyFlow(t *testing.T) {
	c := New(startServer(t), "sdk")
	c.ActorID = "sdk-bot"
	ctx := context.Background()

	design, err := c.CreateTask(ctx, NewTask{Title: "Design"})
	if err != nil {
		t.Fatalf("create design: %v", err)
	}
	build, err := c.CreateTask(ctx, NewTask{Title: "Build", Priority: "high"})
	if err != nil {
		t.Fatalf("create build: %v", err)
	}
	if build.Status != "todo" || build.Priority != "high" {
		t.Fatalf("unexpected task: %+v", build)
	}
	edge, err := c.AddDependency(ctx, build.ID, design.ID, "", 0)
	if err != nil {
		t.Fatalf("add dependency: %v", err)
	}
	if edge.From != design.ID || edge.To != build.ID || edge.Type != "finish-to-start" {
		t.Fatalf("unexpected edge: %+v", edge)
	}

	cyclic, path, err := c.WouldCreateCycle(ctx, design.ID, build.ID)
	if err != nil {
		t.Fatalf("check circular: %v", err)
	}
	if !cyclic || len(path) == 0 {
		t.Fatalf("expected a cycle, got %v %v", cyclic, path)
	}
	if _, err := c.AddDependency(ctx, design.ID, build.ID, "", 0); !IsCode(err, "circular_dependency") {
		t.Fatalf("expected circular_dependency, got %v", err)
	}

	if _, err := c.SetStatus(ctx, build.ID, "in_progress", false); err != nil {
		t.Fatalf("start build: %v", err)
	}
	if _, err := c.CompleteTask(ctx, build.ID); !IsCode(err, "unmet_dependency") {
		t.Fatalf("expected unmet_dependency, got %v", err)
	}
	if _, err := c.SetStatus(ctx, design.ID, "in_progress", false); err != nil {
		t.Fatalf("start design: %v", err)
	}
	if _, err := c.CompleteTask(ctx, design.ID); err != nil {
		t.Fatalf("complete design: %v", err)
	}
	done, err := c.CompleteTask(ctx, build.ID)
	if err != nil {
		t.Fatalf("complete build: %v", err)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	removed, err := c.RemoveDependency(ctx, build.ID, design.ID)
	if err != nil || !removed {
		t.Fatalf("remove dependency: %v %v", removed, err)
	}
	removed, err = c.RemoveDependency(ctx, build.ID, design.ID)
	if err != nil || removed {
		t.Fatalf("second remove should be a no-op: %v %v", removed, err)
	}

	page, err := c.EventsPage(ctx, 2, "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with a cursor, got %+v", page)
	}
	if page.Items[0].ActorID != "sdk-bot" {
		t.Fatalf("expected actor sdk-bot, got %q", page.Items[0].ActorID)
	}
	next, err := c.EventsPage(ctx, 2, page.NextCursor)
	if err != nil {
		t.Fatalf("events page 2: %v", err)
	}
	if len(next.Items) == 0 || next.Items[0].ID >= page.Items[1].ID {
		t.Fatalf("second page should continue below the cursor: %+v", next.Items)
	}
}

func TestClientRecurringAndHealth(t *testing.T) {
	c := New(startServer(t)+"/v0/", "sdk")
	ctx := context.Background()

	var np NewPattern
	np.Template.Title = "Standup notes"
	np.Frequency = "daily"
	np.StartDate = "2024-03-01"
	np.End = map[string]any{"kind": "after_count", "count": 3}
	p, err := c.CreateRecurringTask(ctx, np)
	if err != nil {
		t.Fatalf("create recurring: %v", err)
	}
	if !p.Active || p.Interval != 1 {
		t.Fatalf("unexpected pattern: %+v", p)
	}

	res, err := c.Generate(ctx, 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if res.Generated != 3 || res.Failed != 0 {
		t.Fatalf("expected 3 generated, got %+v", res)
	}
	again, err := c.Generate(ctx, 0)
	if err != nil {
		t.Fatalf("generate again: %v", err)
	}
	if again.Generated != 0 {
		t.Fatalf("second run must not duplicate instances, got %+v", again)
	}
	instances, err := c.Instances(ctx, p.ID)
	if err != nil {
		t.Fatalf("instances: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("expected 3 instances, got %d", len(instances))
	}
	for _, inst := range instances {
		if inst.RecurrenceRef == nil || *inst.RecurrenceRef != p.ID {
			t.Fatalf("instance %s not linked to pattern", inst.ID)
		}
	}

	if _, err := c.Generate(ctx, 1000); !IsCode(err, "bad_request") {
		t.Fatalf("expected bad_request for an oversized horizon, got %v", err)
	}

	h, err := c.TaskHealth(ctx, instances[0].ID)
	if err != nil {
		t.Fatalf("task health: %v", err)
	}
	if h.TaskID != instances[0].ID || h.CompletionPercentage != 0 {
		t.Fatalf("unexpected health: %+v", h)
	}
	all, err := c.ProjectHealth(ctx)
	if err != nil {
		t.Fatalf("project health: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected health for 3 tasks, got %d", len(all))
	}

	if _, err := c.GetTask(ctx, "missing"); !IsCode(err, "not_found") {
		t.Fatalf("expected not_found, got %v", err)
	}
}
