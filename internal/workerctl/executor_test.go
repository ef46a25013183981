package workerctl

import (
	"context"
	"testing"
	"time"
)

func TestRunJob_CapturesOutputAndExitCode(t *testing.T) {
	e := NewExecutor()

	var lines []string
	result := e.RunJob(context.Background(), Job{
		Cmd: []string{"sh", "-c", "echo hello; echo world 1>&2; exit 3"},
		Cwd: t.TempDir(),
	}, func(stream, line string) {
		lines = append(lines, stream+":"+line)
	})

	if result.ExitCode != 3 {
		t.Errorf("got exit code=%d, want 3", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("got stdout=%q", result.Stdout)
	}
	if result.Stderr != "world\n" {
		t.Errorf("got stderr=%q", result.Stderr)
	}
	if len(lines) != 2 {
		t.Errorf("got %d callback lines, want 2", len(lines))
	}
}

func TestRunJob_SpawnFailureSynthesizesResult(t *testing.T) {
	e := NewExecutor()

	result := e.RunJob(context.Background(), Job{
		Cmd: []string{"/no/such/binary-xyz"},
		Cwd: t.TempDir(),
	}, nil)

	if result.ExitCode != -43 {
		t.Errorf("got exit code=%d, want -43", result.ExitCode)
	}
	if result.Comment == "" {
		t.Error("expected a comment explaining the spawn failure")
	}
}

func TestRunJob_CancellationKillsProcess(t *testing.T) {
	e := NewExecutor()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := e.RunJob(ctx, Job{
		Cmd: []string{"sh", "-c", "sleep 30"},
		Cwd: t.TempDir(),
	}, nil)

	if time.Since(start) > 10*time.Second {
		t.Fatalf("job took too long to die after cancellation: %v", time.Since(start))
	}
	if result.ExitCode == 0 {
		t.Error("expected a non-zero exit code for a killed process")
	}
}

func TestBoundedBuffer_Truncates(t *testing.T) {
	var bb boundedBuffer
	big := make([]byte, maxCapturedOutputBytes+100)
	for i := range big {
		big[i] = 'x'
	}
	bb.Write(string(big))

	got := bb.String()
	if len(got) > maxCapturedOutputBytes+len("...[truncated]...\n") {
		t.Errorf("got len=%d, expected bound near %d", len(got), maxCapturedOutputBytes)
	}
	if got[:3] != "..." {
		t.Error("expected truncation marker prefix")
	}
}
