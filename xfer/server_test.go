package xfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/drunlade/go-batchxfer/internal/testutil"
	"github.com/drunlade/go-batchxfer/observe"
	"github.com/drunlade/go-batchxfer/store"
	"github.com/drunlade/go-batchxfer/transform"
)

const testTimeout = 10 * time.Second

type testServer struct {
	address   string
	dir       string
	summaries chan SessionSummary
	cancel    context.CancelFunc
	done      chan error
	stopOnce  sync.Once
}

// startServer serves on a loopback port with a local store in a temporary
// directory. The server is stopped when the test ends.
func startServer(t *testing.T, opts ...Option) *testServer {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	return serveOn(t, listener, opts...)
}

// serveOn is startServer on a caller-supplied listener.
func serveOn(t *testing.T, listener net.Listener, opts ...Option) *testServer {
	t.Helper()

	dir := t.TempDir()
	local, err := store.NewLocal(dir, store.LocalOptions{})
	if err != nil {
		t.Fatalf("NewLocal() error: %v", err)
	}

	ts := &testServer{
		address:   listener.Addr().String(),
		dir:       dir,
		summaries: make(chan SessionSummary, 64),
		done:      make(chan error, 1),
	}
	opts = append(opts, WithCallbacks(&Callbacks{
		OnSessionClosed: func(summary SessionSummary) {
			ts.summaries <- summary
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	ts.cancel = cancel
	server := NewServer(local, opts...)
	go func() {
		ts.done <- server.Serve(ctx, listener)
	}()
	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.cancel()
	if err := ts.wait(t); err != nil {
		t.Errorf("Serve() error: %v", err)
	}
}

// wait returns the result of Serve the first time it is called and nil
// afterwards.
func (ts *testServer) wait(t *testing.T) error {
	t.Helper()
	var err error
	ts.stopOnce.Do(func() {
		err = testutil.RequireReceive(t, ts.done, testTimeout, "waiting for Serve to return")
	})
	return err
}

func (ts *testServer) summary(t *testing.T) SessionSummary {
	t.Helper()
	return testutil.RequireReceive(t, ts.summaries, testTimeout, "waiting for session to close")
}

// received returns the contents of the stored files ordered by name.
func (ts *testServer) received(t *testing.T) map[string][]byte {
	t.Helper()
	entries, err := os.ReadDir(ts.dir)
	if err != nil {
		t.Fatalf("ReadDir() error: %v", err)
	}
	files := make(map[string][]byte, len(entries))
	for _, entry := range entries {
		data, err := os.ReadFile(filepath.Join(ts.dir, entry.Name()))
		if err != nil {
			t.Fatalf("ReadFile() error: %v", err)
		}
		files[entry.Name()] = data
	}
	return files
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, transform.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand.Read() error: %v", err)
	}
	return key
}

func encryptedPipeline(t *testing.T, key []byte) *transform.Pipeline {
	t.Helper()
	compressor, err := transform.NewZstd()
	if err != nil {
		t.Fatalf("NewZstd() error: %v", err)
	}
	cipher, err := transform.NewXChaCha20Poly1305(key)
	if err != nil {
		t.Fatalf("NewXChaCha20Poly1305() error: %v", err)
	}
	pipeline, err := transform.NewPipeline(transform.Options{Compress: true, Encrypt: true}, compressor, cipher)
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return pipeline
}

func compressedPipeline(t *testing.T) *transform.Pipeline {
	t.Helper()
	pipeline, err := transform.NewPipeline(transform.Options{Compress: true}, transform.NewLZ4(), nil)
	if err != nil {
		t.Fatalf("NewPipeline() error: %v", err)
	}
	return pipeline
}

func dial(t *testing.T, address string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", address)
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitForCount polls recorder until event has been seen want times.
func waitForCount(t *testing.T, recorder *observe.Recorder, event string, want int64) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for recorder.Count(event) < want {
		if time.Now().After(deadline) {
			t.Fatalf("%s count = %d after %v, want %d", event, recorder.Count(event), testTimeout, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// faultListener fails the Accept call numbered failAt (counting from 1)
// with err and closes injected when it does.
type faultListener struct {
	net.Listener
	failAt   int64
	err      error
	calls    atomic.Int64
	injected chan struct{}
}

func newFaultListener(t *testing.T, failAt int64, err error) *faultListener {
	t.Helper()
	listener, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		t.Fatalf("Listen() error: %v", listenErr)
	}
	return &faultListener{
		Listener: listener,
		failAt:   failAt,
		err:      err,
		injected: make(chan struct{}),
	}
}

func (l *faultListener) Accept() (net.Conn, error) {
	if l.calls.Add(1) == l.failAt {
		close(l.injected)
		return nil, l.err
	}
	return l.Listener.Accept()
}

func TestTransferTwoFiles(t *testing.T) {
	key := newKey(t)
	server := startServer(t, WithPipeline(encryptedPipeline(t, key)))

	upload := t.TempDir()
	zeros := make([]byte, 10000)
	paths := testutil.WriteFiles(t, upload, map[string][]byte{
		"a.bin": zeros,
		"b.txt": []byte("hello"),
	})

	recorder := observe.NewRecorder(0)
	client := NewClient(server.address,
		WithPipeline(encryptedPipeline(t, key)),
		WithObserver(recorder))
	sent, err := client.SendFiles(context.Background(), paths)
	if err != nil {
		t.Fatalf("SendFiles() error: %v", err)
	}
	if sent != 2 {
		t.Errorf("SendFiles() = %d, want 2", sent)
	}

	summary := server.summary(t)
	if summary.Err != nil {
		t.Fatalf("server session error: %v", summary.Err)
	}
	if summary.Declared != 2 || summary.Files != 2 {
		t.Errorf("summary declared %d files %d, want 2 and 2", summary.Declared, summary.Files)
	}

	files := server.received(t)
	names := sortedNames(files)
	if len(names) != 2 {
		t.Fatalf("received %d files, want 2: %v", len(names), names)
	}
	for _, name := range names {
		if !strings.HasPrefix(name, "received-"+summary.ConnID+"-") || !strings.HasSuffix(name, ".bin") {
			t.Errorf("unexpected file name %q", name)
		}
	}
	if !bytes.Equal(files[names[0]], zeros) {
		t.Errorf("first file has %d bytes, want 10000 zero bytes", len(files[names[0]]))
	}
	if string(files[names[1]]) != "hello" {
		t.Errorf("second file = %q, want %q", files[names[1]], "hello")
	}

	var zerosWireSize float64 = -1
	for _, record := range recorder.Recent() {
		index, _ := record.Attr(observe.AttrIndex)
		if record.Kind == observe.KindMeasure && record.Name == observe.MeasureWireSize && index == "0" {
			zerosWireSize = record.Value
		}
	}
	if zerosWireSize < 0 || zerosWireSize >= 10000 {
		t.Errorf("wire size of 10000 zero bytes = %v, want less than 10000", zerosWireSize)
	}
	if got := recorder.Count(observe.EventFileComplete); got != 2 {
		t.Errorf("file.complete count = %d, want 2", got)
	}
}

func TestTransferEmptySession(t *testing.T) {
	server := startServer(t)

	sent, err := NewClient(server.address).SendFiles(context.Background(), nil)
	if err != nil {
		t.Fatalf("SendFiles() error: %v", err)
	}
	if sent != 0 {
		t.Errorf("SendFiles() = %d, want 0", sent)
	}

	summary := server.summary(t)
	if summary.Err != nil {
		t.Fatalf("server session error: %v", summary.Err)
	}
	if summary.Declared != 0 || summary.Files != 0 {
		t.Errorf("summary declared %d files %d, want 0 and 0", summary.Declared, summary.Files)
	}
	if files := server.received(t); len(files) != 0 {
		t.Errorf("received %d files, want none", len(files))
	}
}

func TestSendDirMissingDirectorySendsEmptyBatch(t *testing.T) {
	server := startServer(t)

	sent, err := NewClient(server.address).SendDir(context.Background(), filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("SendDir() error: %v", err)
	}
	if sent != 0 {
		t.Errorf("SendDir() = %d, want 0", sent)
	}
	if summary := server.summary(t); summary.Declared != 0 {
		t.Errorf("declared %d files, want 0", summary.Declared)
	}
}

func TestTruncatedFrameKeepsEarlierFiles(t *testing.T) {
	server := startServer(t)

	conn := dial(t, server.address)
	var wire bytes.Buffer
	WriteLength(&wire, 2)
	WriteFrame(&wire, []byte("complete"))
	WriteLength(&wire, 100)
	wire.Write(make([]byte, 10))
	if _, err := conn.Write(wire.Bytes()); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	conn.Close()

	summary := server.summary(t)
	if !IsConnectionTerminated(summary.Err) {
		t.Fatalf("session error = %v, want connection terminated", summary.Err)
	}
	if summary.Files != 1 {
		t.Errorf("summary files = %d, want 1", summary.Files)
	}
	files := server.received(t)
	if len(files) != 1 {
		t.Fatalf("received %d files, want 1", len(files))
	}
	if got := files[sortedNames(files)[0]]; string(got) != "complete" {
		t.Errorf("stored %q, want %q", got, "complete")
	}
}

func TestConnectionsAreIsolated(t *testing.T) {
	server := startServer(t, WithPipeline(compressedPipeline(t)))

	// A connection that never sends anything occupies a worker.
	dial(t, server.address)

	// A connection that sends a payload that does not decompress.
	garbage := dial(t, server.address)
	var wire bytes.Buffer
	WriteLength(&wire, 1)
	WriteFrame(&wire, bytes.Repeat([]byte{0xAB}, 16))
	if _, err := garbage.Write(wire.Bytes()); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	upload := t.TempDir()
	paths := testutil.WriteFiles(t, upload, map[string][]byte{
		"1": []byte("one"),
		"2": []byte("two"),
		"3": []byte("three"),
	})
	client := NewClient(server.address, WithPipeline(compressedPipeline(t)))
	if _, err := client.SendFiles(context.Background(), paths); err != nil {
		t.Fatalf("SendFiles() error: %v", err)
	}

	var decodeFailures, successes int
	for range 2 {
		summary := server.summary(t)
		switch {
		case IsDecode(summary.Err):
			decodeFailures++
		case summary.Err == nil && summary.Files == 3:
			successes++
		default:
			t.Errorf("unexpected session: files %d error %v", summary.Files, summary.Err)
		}
	}
	if decodeFailures != 1 || successes != 1 {
		t.Errorf("decode failures %d successes %d, want 1 and 1", decodeFailures, successes)
	}

	files := server.received(t)
	var contents []string
	for _, data := range files {
		contents = append(contents, string(data))
	}
	sort.Strings(contents)
	if strings.Join(contents, ",") != "one,three,two" {
		t.Errorf("received %v, want one, three, two", contents)
	}
}

func TestUniqueNamesUnderConcurrentSessions(t *testing.T) {
	const sessions = 5
	const filesPerSession = 5

	server := startServer(t, WithPipeline(compressedPipeline(t)))

	want := make(map[string]bool)
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for session := range sessions {
		upload := t.TempDir()
		contents := make(map[string][]byte)
		for file := range filesPerSession {
			content := fmt.Sprintf("session %d file %d", session, file)
			contents[fmt.Sprintf("%02d", file)] = []byte(content)
			want[content] = true
		}
		paths := testutil.WriteFiles(t, upload, contents)
		client := NewClient(server.address, WithPipeline(compressedPipeline(t)))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := client.SendFiles(context.Background(), paths); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SendFiles() error: %v", err)
	}

	connIDs := make(map[string]bool)
	for range sessions {
		summary := server.summary(t)
		if summary.Err != nil {
			t.Errorf("session error: %v", summary.Err)
		}
		connIDs[summary.ConnID] = true
	}
	if len(connIDs) != sessions {
		t.Errorf("got %d distinct connection ids, want %d", len(connIDs), sessions)
	}

	files := server.received(t)
	if len(files) != sessions*filesPerSession {
		t.Fatalf("received %d files, want %d", len(files), sessions*filesPerSession)
	}
	for name, data := range files {
		if !want[string(data)] {
			t.Errorf("%s has unexpected content %q", name, data)
		}
		delete(want, string(data))
	}
	if len(want) != 0 {
		t.Errorf("missing contents: %v", want)
	}
}

func TestWrongKeyIsDecodeError(t *testing.T) {
	server := startServer(t, WithPipeline(encryptedPipeline(t, newKey(t))))

	paths := testutil.WriteFiles(t, t.TempDir(), map[string][]byte{"secret": []byte("data")})
	client := NewClient(server.address, WithPipeline(encryptedPipeline(t, newKey(t))))
	if _, err := client.SendFiles(context.Background(), paths); err != nil {
		t.Fatalf("SendFiles() error: %v", err)
	}

	summary := server.summary(t)
	if !IsDecode(summary.Err) {
		t.Fatalf("session error = %v, want decode error", summary.Err)
	}
	if !transform.IsDecodeError(summary.Err) {
		t.Errorf("session error = %v, want it to wrap a transform.DecodeError", summary.Err)
	}
	if files := server.received(t); len(files) != 0 {
		t.Errorf("received %d files, want none", len(files))
	}
}

func TestShutdownClosesInFlightConnections(t *testing.T) {
	recorder := observe.NewRecorder(0)
	server := startServer(t, WithObserver(recorder))

	conn := dial(t, server.address)
	if err := WriteLength(conn, 3); err != nil {
		t.Fatalf("WriteLength() error: %v", err)
	}
	waitForCount(t, recorder, observe.EventReceiveStart, 1)

	server.stop(t)

	summary := server.summary(t)
	if summary.Declared != 3 {
		t.Errorf("summary declared %d files, want 3", summary.Declared)
	}
	if summary.Err == nil {
		t.Error("in-flight session ended without an error")
	}
}

func TestClientConnectFailure(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	address := listener.Addr().String()
	listener.Close()

	var closed SessionSummary
	client := NewClient(address, WithCallbacks(&Callbacks{
		OnSessionClosed: func(summary SessionSummary) { closed = summary },
	}))
	_, err = client.SendFiles(context.Background(), []string{"unused"})
	if !IsTransport(err) {
		t.Fatalf("SendFiles() error = %v, want transport error", err)
	}
	if !IsTransport(closed.Err) {
		t.Errorf("summary error = %v, want transport error", closed.Err)
	}
}

func TestSendMissingFileIsFilesystemError(t *testing.T) {
	server := startServer(t)

	client := NewClient(server.address)
	sent, err := client.SendFiles(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	if !IsFilesystem(err) {
		t.Fatalf("SendFiles() error = %v, want filesystem error", err)
	}
	if sent != 0 {
		t.Errorf("SendFiles() = %d, want 0", sent)
	}
	if summary := server.summary(t); summary.Err == nil {
		t.Error("server session ended without an error after the client aborted")
	}
}

func TestAcceptErrorIsRetried(t *testing.T) {
	emfile := &net.OpError{Op: "accept", Net: "tcp", Err: os.NewSyscallError("accept", syscall.EMFILE)}
	listener := newFaultListener(t, 2, emfile)
	server := serveOn(t, listener)

	// The accept error arrives while this session is half sent.
	conn := dial(t, server.address)
	if err := WriteLength(conn, 1); err != nil {
		t.Fatalf("WriteLength() error: %v", err)
	}
	testutil.RequireClosed(t, listener.injected, testTimeout, "waiting for the accept error")
	if err := WriteFrame(conn, []byte("in flight")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	if summary := server.summary(t); summary.Err != nil || summary.Files != 1 {
		t.Fatalf("in-flight session: files %d error %v, want 1 file and no error", summary.Files, summary.Err)
	}

	paths := testutil.WriteFiles(t, t.TempDir(), map[string][]byte{"after": []byte("after")})
	if _, err := NewClient(server.address).SendFiles(context.Background(), paths); err != nil {
		t.Fatalf("SendFiles() after accept error: %v", err)
	}
	if summary := server.summary(t); summary.Err != nil || summary.Files != 1 {
		t.Fatalf("later session: files %d error %v, want 1 file and no error", summary.Files, summary.Err)
	}
	if files := server.received(t); len(files) != 2 {
		t.Errorf("received %d files, want 2", len(files))
	}
}

func TestClosedListenerLetsSessionsFinish(t *testing.T) {
	closed := &net.OpError{Op: "accept", Net: "tcp", Err: net.ErrClosed}
	listener := newFaultListener(t, 2, closed)
	server := serveOn(t, listener)

	conn := dial(t, server.address)
	if err := WriteLength(conn, 1); err != nil {
		t.Fatalf("WriteLength() error: %v", err)
	}
	testutil.RequireClosed(t, listener.injected, testTimeout, "waiting for the accept error")

	select {
	case err := <-server.done:
		t.Fatalf("Serve() returned %v while a session was in flight", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := WriteFrame(conn, []byte("in flight")); err != nil {
		t.Fatalf("WriteFrame() error: %v", err)
	}
	if summary := server.summary(t); summary.Err != nil || summary.Files != 1 {
		t.Fatalf("in-flight session: files %d error %v, want 1 file and no error", summary.Files, summary.Err)
	}

	err := server.wait(t)
	if !IsTransport(err) || !errors.Is(err, net.ErrClosed) {
		t.Fatalf("Serve() error = %v, want transport error wrapping net.ErrClosed", err)
	}
}

func TestClientWaitsForFreeWorker(t *testing.T) {
	const workers = 5

	recorder := observe.NewRecorder(0)
	config := DefaultConfig()
	config.Workers = workers
	server := startServer(t, WithConfig(config), WithObserver(recorder))

	stalled := make([]net.Conn, workers)
	for i := range stalled {
		stalled[i] = dial(t, server.address)
		if err := WriteLength(stalled[i], 1); err != nil {
			t.Fatalf("WriteLength() error: %v", err)
		}
	}
	waitForCount(t, recorder, observe.EventReceiveStart, workers)

	paths := testutil.WriteFiles(t, t.TempDir(), map[string][]byte{"queued": []byte("queued")})
	sent := make(chan error, 1)
	go func() {
		_, err := NewClient(server.address).SendFiles(context.Background(), paths)
		sent <- err
	}()

	// The whole session fits in the socket buffers, so the client may
	// finish writing, but no worker is free to read it.
	time.Sleep(200 * time.Millisecond)
	if got := recorder.Count(observe.EventReceiveStart); got != workers {
		t.Fatalf("receive.start count = %d while every worker was busy, want %d", got, workers)
	}
	select {
	case summary := <-server.summaries:
		t.Fatalf("session closed while every worker was busy: %+v", summary)
	default:
	}

	stalled[0].Close()

	var failed, completed int
	for range 2 {
		summary := server.summary(t)
		switch {
		case summary.Err != nil && summary.Files == 0:
			failed++
		case summary.Err == nil && summary.Files == 1:
			completed++
		default:
			t.Errorf("unexpected session: files %d error %v", summary.Files, summary.Err)
		}
	}
	if failed != 1 || completed != 1 {
		t.Errorf("failed %d completed %d, want 1 and 1", failed, completed)
	}
	if err := testutil.RequireReceive(t, sent, testTimeout, "waiting for SendFiles"); err != nil {
		t.Fatalf("SendFiles() error: %v", err)
	}
	files := server.received(t)
	if len(files) != 1 || string(files[sortedNames(files)[0]]) != "queued" {
		t.Errorf("received %v, want only the queued file", sortedNames(files))
	}
}
