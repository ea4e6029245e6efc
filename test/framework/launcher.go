package framework

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/bwcgen/pkg/node"
)

// StubLauncher starts a StubNode where the real launcher would start a
// server process. It applies the same port check first.
type StubLauncher struct {
	Username string
	Password string
	// StartDelay postpones serving, to exercise readiness polling
	StartDelay time.Duration
	// Configure is called on every stub before it serves
	Configure func(*StubNode)
	// Output is what every handle reports as captured node output
	Output []string

	mu       sync.Mutex
	launched []*StubHandle
}

// Start implements the workflow's launcher
func (l *StubLauncher) Start(ctx context.Context, spec node.Spec) (node.Handle, error) {
	if err := node.CheckPortsFree(ctx, spec.Host, spec.HTTPPort, spec.TransportPort); err != nil {
		return nil, err
	}

	stub := NewStubNode(spec.ClusterName, l.Username, l.Password)
	stub.DataDir = spec.DataDir
	if l.Configure != nil {
		l.Configure(stub)
	}

	h := &StubHandle{Stub: stub, Spec: spec, Output: l.Output, pid: 4242 + len(l.Launched())}
	addr := net.JoinHostPort(spec.Host, strconv.Itoa(spec.HTTPPort))
	if l.StartDelay > 0 {
		go func() {
			time.Sleep(l.StartDelay)
			_ = stub.ListenAndServe(addr)
		}()
	} else if err := stub.ListenAndServe(addr); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.launched = append(l.launched, h)
	l.mu.Unlock()
	return h, nil
}

// Launched returns every handle handed out so far
func (l *StubLauncher) Launched() []*StubHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*StubHandle(nil), l.launched...)
}

// StubHandle is the node handle of a StubNode
type StubHandle struct {
	Stub   *StubNode
	Spec   node.Spec
	Output []string

	pid      int
	mu       sync.Mutex
	shutdown int
}

// PID returns a fake process id
func (h *StubHandle) PID() int {
	return h.pid
}

// Shutdown stops the stub
func (h *StubHandle) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	h.shutdown++
	h.mu.Unlock()
	return h.Stub.Close()
}

// LogTail returns the last n lines of Output
func (h *StubHandle) LogTail(n int) []string {
	if len(h.Output) > n {
		return h.Output[len(h.Output)-n:]
	}
	return h.Output
}

// ShutdownCount is how many times Shutdown was called
func (h *StubHandle) ShutdownCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdown
}
