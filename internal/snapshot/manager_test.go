package snapshot

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"testing"
	"time"
)

func TestMergePatchSemantics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		target map[string]any
		patch  Patch
		want   map[string]any
	}{
		{
			name:   "replace scalar",
			target: map[string]any{"a": "x"},
			patch:  Patch{"a": "y"},
			want:   map[string]any{"a": "y"},
		},
		{
			name:   "null deletes",
			target: map[string]any{"a": "x", "b": "y"},
			patch:  Patch{"a": nil},
			want:   map[string]any{"b": "y"},
		},
		{
			name:   "recurse into objects",
			target: map[string]any{"a": map[string]any{"x": 1, "y": 2}},
			patch:  Patch{"a": map[string]any{"y": 3}},
			want:   map[string]any{"a": map[string]any{"x": 1, "y": 3}},
		},
		{
			name:   "object replaces scalar",
			target: map[string]any{"a": "x"},
			patch:  Patch{"a": map[string]any{"y": 1}},
			want:   map[string]any{"a": map[string]any{"y": 1}},
		},
		{
			name:   "arrays replace wholesale",
			target: map[string]any{"a": []any{1, 2, 3}},
			patch:  Patch{"a": []any{9}},
			want:   map[string]any{"a": []any{9}},
		},
		{
			name:   "delete missing key is a no-op",
			target: map[string]any{"a": "x"},
			patch:  Patch{"b": nil},
			want:   map[string]any{"a": "x"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := MergePatch(tc.target, tc.patch)
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("MergePatch = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMergePatchDoesNotMutateTarget(t *testing.T) {
	t.Parallel()
	target := map[string]any{"a": map[string]any{"x": 1}}
	MergePatch(target, Patch{"a": map[string]any{"x": 2}})
	if target["a"].(map[string]any)["x"] != 1 {
		t.Error("MergePatch mutated its target")
	}
}

// Convergence: applying every emitted patch in order to {} must reproduce
// the server-side tree, including across queue coalescing.
func TestPeekConvergence(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 4)
	m.Attach("u1")

	for i := 0; i < 20; i++ { // overflow the 4-entry queue repeatedly
		m.Push("u1", Patch{"trade": map[string]any{"u1": map[string]any{
			"orders": map[string]any{string(rune('a' + i)): i},
		}}})
	}
	m.Push("u1", Patch{"trade": map[string]any{"u1": map[string]any{
		"orders": map[string]any{"a": nil},
	}}})

	batch, err := m.Peek(context.Background(), "u1")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(batch) == 0 {
		t.Fatal("peek returned an empty batch")
	}

	client := map[string]any{}
	for _, p := range batch {
		client = MergePatch(client, p)
	}
	server, _ := m.Tree("u1")
	if !reflect.DeepEqual(client, server) {
		t.Errorf("client tree diverged:\nclient %v\nserver %v", client, server)
	}
}

func TestPeekBlocksUntilPush(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")

	done := make(chan []Patch, 1)
	go func() {
		batch, err := m.Peek(context.Background(), "u1")
		if err != nil {
			t.Errorf("peek: %v", err)
		}
		done <- batch
	}()

	select {
	case <-done:
		t.Fatal("peek returned with no pending patches")
	case <-time.After(20 * time.Millisecond):
	}

	m.Push("u1", Patch{"k": "v"})
	select {
	case batch := <-done:
		if len(batch) != 1 {
			t.Errorf("batch length = %d, want 1", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("peek did not unblock after push")
	}
}

func TestPeekCancelledByContext(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Peek(ctx, "u1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("peek error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peek did not return after cancel")
	}
}

func TestPerUserIsolation(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")
	m.Attach("u2")

	m.Push("u1", Patch{"trade": map[string]any{"u1": map[string]any{"accounts": "x"}}})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := m.Peek(ctx, "u2"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("u2 peek = %v, want deadline exceeded (no leaked patches)", err)
	}
}

func TestGlobalPatchReachesEveryUser(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")
	m.Attach("u2")

	m.PushGlobal(QuotePatch("IF2509", map[string]any{"last_price": "3800"}))

	for _, user := range []string{"u1", "u2"} {
		batch, err := m.Peek(context.Background(), user)
		if err != nil {
			t.Fatalf("peek %s: %v", user, err)
		}
		tree := map[string]any{}
		for _, p := range batch {
			tree = MergePatch(tree, p)
		}
		quotes, ok := tree["quotes"].(map[string]any)
		if !ok || quotes["IF2509"] == nil {
			t.Errorf("user %s missing global quote: %v", user, tree)
		}
	}
}

func TestLateAttachSeesGlobalTree(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")
	m.PushGlobal(QuotePatch("IF2509", map[string]any{"last_price": "3800"}))

	m.Attach("u2") // attaches after the quote existed
	batch, err := m.Peek(context.Background(), "u2")
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	tree := map[string]any{}
	for _, p := range batch {
		tree = MergePatch(tree, p)
	}
	server, _ := m.Tree("u2")
	if !reflect.DeepEqual(tree, server) {
		t.Errorf("late attach diverged: client %v server %v", tree, server)
	}
}

func TestDetachWakesPeek(t *testing.T) {
	t.Parallel()
	m := NewManager(slog.Default(), 0)
	m.Attach("u1")

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Peek(context.Background(), "u1")
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	m.Detach("u1")

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrDetached) {
			t.Errorf("peek error = %v, want ErrDetached", err)
		}
	case <-time.After(time.Second):
		t.Fatal("peek did not return after detach")
	}
}
