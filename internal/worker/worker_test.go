package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmgr818/phpscan/internal/channel"
	"github.com/taskmgr818/phpscan/internal/model"
)

// fakeAnalyzer returns canned results per file; files listed in failures
// return an error, files listed in panics panic.
type fakeAnalyzer struct {
	results  map[string][]model.Diagnostic
	failures map[string]error
	panics   map[string]bool
}

func (f *fakeAnalyzer) AnalyseFile(_ context.Context, file string) (model.FileResult, error) {
	if f.panics[file] {
		panic("runaway recursion in " + file)
	}
	if err, ok := f.failures[file]; ok {
		return model.FileResult{}, err
	}
	return model.FileResult{Diagnostics: f.results[file]}, nil
}

// startWorker serves one end of a pipe and returns the coordinator's end.
func startWorker(t *testing.T, analyzer FileAnalyzer) (*channel.Conn, *Worker, <-chan error) {
	conn, _, w, done := startWorkerRaw(t, analyzer)
	return conn, w, done
}

func startWorkerRaw(t *testing.T, analyzer FileAnalyzer) (*channel.Conn, net.Conn, *Worker, <-chan error) {
	t.Helper()
	coordSide, workerSide := net.Pipe()
	w := New("worker-1", "unused", analyzer)

	done := make(chan error, 1)
	go func() { done <- w.Serve(context.Background(), workerSide) }()

	conn := channel.NewConn(coordSide)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, coordSide.SetDeadline(time.Now().Add(5*time.Second)))
	return conn, coordSide, w, done
}

func expectHello(t *testing.T, conn *channel.Conn) {
	t.Helper()
	msg, err := conn.Next()
	require.NoError(t, err)
	assert.Equal(t, model.Hello{Identifier: "worker-1"}, msg)
}

func expectResult(t *testing.T, conn *channel.Conn) model.AnalysisResult {
	t.Helper()
	msg, err := conn.Next()
	require.NoError(t, err)
	res, ok := msg.(model.AnalysisResult)
	require.True(t, ok, "expected a result, got %T", msg)
	return res
}

func TestHelloIsFirstMessage(t *testing.T) {
	conn, _, done := startWorker(t, &fakeAnalyzer{})

	expectHello(t, conn)
	require.NoError(t, conn.Close())
	assert.NoError(t, <-done)
}

func TestFailingFileIsIsolated(t *testing.T) {
	conn, _, _ := startWorker(t, &fakeAnalyzer{
		failures: map[string]error{"b.php": errors.New("maximum nesting level reached")},
	})
	expectHello(t, conn)

	require.NoError(t, conn.Send(model.Analyse{Files: []string{"a.php", "b.php"}}))
	res := expectResult(t, conn)

	assert.Equal(t, 2, res.FilesCount)
	assert.Equal(t, 1, res.InternalErrorsCount)
	require.Len(t, res.Errors, 1)
	assert.False(t, res.Errors[0].IsFileSpecific)
	assert.Equal(t, "b.php", res.Errors[0].File)
	assert.Contains(t, res.Errors[0].Message, "maximum nesting level reached")
	assert.Contains(t, res.Errors[0].Message, model.InternalErrorHint)
}

func TestBatchWithKFailures(t *testing.T) {
	const n = 6
	for k := 0; k <= n; k++ {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			analyzer := &fakeAnalyzer{
				results:  map[string][]model.Diagnostic{},
				failures: map[string]error{},
				panics:   map[string]bool{},
			}
			var files []string
			var want []model.Diagnostic
			for i := 0; i < n; i++ {
				file := fmt.Sprintf("f%d.php", i)
				files = append(files, file)
				switch {
				case i < k && i%2 == 0:
					analyzer.failures[file] = errors.New("engine failure")
				case i < k:
					analyzer.panics[file] = true
				default:
					diags := []model.Diagnostic{
						model.NewDiagnostic(file, i+1, "first"),
						model.NewDiagnostic(file, i+2, "second"),
					}
					analyzer.results[file] = diags
					want = append(want, diags...)
				}
			}

			res := AnalyseBatch(context.Background(), analyzer, files, false)

			assert.Equal(t, n, res.FilesCount)
			assert.Equal(t, k, res.InternalErrorsCount)

			var synthesized, kept []model.Diagnostic
			for _, d := range res.Errors {
				if d.IsFileSpecific {
					kept = append(kept, d)
				} else {
					synthesized = append(synthesized, d)
				}
			}
			assert.Len(t, synthesized, k)
			assert.Equal(t, want, kept)
		})
	}
}

func TestSequentialBatchesAreIndependent(t *testing.T) {
	conn, _, _ := startWorker(t, &fakeAnalyzer{
		results: map[string][]model.Diagnostic{
			"a.php": {model.NewDiagnostic("a.php", 3, "in a")},
			"c.php": {model.NewDiagnostic("c.php", 5, "in c")},
		},
		failures: map[string]error{"b.php": errors.New("boom")},
	})
	expectHello(t, conn)

	require.NoError(t, conn.Send(model.Analyse{Files: []string{"a.php", "b.php"}}))
	first := expectResult(t, conn)

	require.NoError(t, conn.Send(model.Analyse{Files: []string{"c.php"}}))
	second := expectResult(t, conn)

	assert.Equal(t, 2, first.FilesCount)
	assert.Equal(t, 1, first.InternalErrorsCount)
	assert.Len(t, first.Errors, 2)

	assert.Equal(t, 1, second.FilesCount)
	assert.Equal(t, 0, second.InternalErrorsCount)
	assert.Equal(t, []model.Diagnostic{model.NewDiagnostic("c.php", 5, "in c")}, second.Errors)
}

func TestUnknownActionsAreIgnored(t *testing.T) {
	conn, w, _ := startWorker(t, &fakeAnalyzer{})
	expectHello(t, conn)

	require.NoError(t, conn.Send(model.Unknown{Name: "ping"}))
	require.NoError(t, conn.Send(model.Hello{Identifier: "echo"}))
	require.NoError(t, conn.Send(model.Analyse{Files: []string{"a.php"}}))

	res := expectResult(t, conn)
	assert.Equal(t, 1, res.FilesCount)
	assert.Eventually(t, func() bool { return w.State() == StateIdle }, time.Second, 5*time.Millisecond)
}

func TestMalformedLineReportsFailureAndCloses(t *testing.T) {
	conn, raw, w, done := startWorkerRaw(t, &fakeAnalyzer{})
	expectHello(t, conn)

	go func() {
		_, _ = io.WriteString(raw, "{this is not json}\n")
	}()

	res := expectResult(t, conn)
	assert.Equal(t, 0, res.FilesCount)
	assert.Equal(t, 1, res.InternalErrorsCount)
	require.Len(t, res.Errors, 1)
	assert.False(t, res.Errors[0].IsFileSpecific)
	assert.Contains(t, res.Errors[0].Message, "malformed message")

	_, err := conn.Next()
	assert.Equal(t, io.EOF, err)

	err = <-done
	assert.ErrorIs(t, err, channel.ErrMalformedMessage)
	assert.Equal(t, StateClosed, w.State())
}

func TestRunConnectsToCoordinator(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	w := New("worker-1", ln.Addr().String(), &fakeAnalyzer{})
	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	raw, err := ln.Accept()
	require.NoError(t, err)
	conn := channel.NewConn(raw)
	require.NoError(t, raw.SetDeadline(time.Now().Add(5*time.Second)))

	expectHello(t, conn)
	require.NoError(t, conn.Send(model.Analyse{Files: []string{"x.php"}}))
	assert.Equal(t, 1, expectResult(t, conn).FilesCount)

	require.NoError(t, conn.Close())
	assert.NoError(t, <-done)
	assert.Equal(t, StateClosed, w.State())
}

func TestRunConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	err = New("worker-1", addr, &fakeAnalyzer{}).Run(context.Background())
	assert.ErrorIs(t, err, ErrConnect)
}

func TestServeStopsOnCancel(t *testing.T) {
	coordSide, workerSide := net.Pipe()
	defer coordSide.Close()

	ctx, cancel := context.WithCancel(context.Background())
	w := New("worker-1", "unused", &fakeAnalyzer{})
	done := make(chan error, 1)
	go func() { done <- w.Serve(ctx, workerSide) }()

	conn := channel.NewConn(coordSide)
	expectHello(t, conn)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}
