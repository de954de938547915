package supervisor

import (
	"sync"

	"github.com/gofrs/uuid"

	"github.com/tridha643/constellagent-sub001/src/lspproxy/entity"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/framing"
	"github.com/tridha643/constellagent-sub001/src/lspproxy/internal/launcher"
)

// Process is a handle to a live language server shared by every connection
// attached to its key. Ownership of the underlying child stays with the
// Supervisor; connections only subscribe to output and write frames.
type Process struct {
	key    entity.ProcessKey
	handle launcher.Handle

	// writeMu serializes stdin writes so frames from different connections
	// never interleave mid-frame.
	writeMu sync.Mutex

	subMu       sync.Mutex
	subscribers map[uuid.UUID]func(chunk []byte)

	// stdoutDone and stderrDone close once the respective pump has read its
	// pipe to EOF. Wait on the handle must not run before then: waiting on a
	// child closes its pipes, discarding anything still buffered in them.
	stdoutDone chan struct{}
	stderrDone chan struct{}
}

func newProcess(key entity.ProcessKey, handle launcher.Handle) *Process {
	return &Process{
		key:         key,
		handle:      handle,
		subscribers: make(map[uuid.UUID]func(chunk []byte)),
		stdoutDone:  make(chan struct{}),
		stderrDone:  make(chan struct{}),
	}
}

// Key returns the (language, workspaceRoot) identity of the process.
func (p *Process) Key() entity.ProcessKey {
	return p.key
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.handle.Pid()
}

// WriteFrame frames body with a Content-Length header and writes it to the
// child's stdin. Writing to a dead process returns an error; callers decide
// whether that is fatal.
func (p *Process) WriteFrame(body []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return framing.WriteFrame(p.handle.Stdin(), body)
}

// Subscribe registers fn to receive raw stdout chunks in arrival order.
// Every subscriber independently receives every chunk the child emits.
func (p *Process) Subscribe(id uuid.UUID, fn func(chunk []byte)) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	p.subscribers[id] = fn
}

// Unsubscribe detaches a subscriber. The process itself keeps running.
func (p *Process) Unsubscribe(id uuid.UUID) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	delete(p.subscribers, id)
}

// publish fans one stdout chunk out to the current subscribers. It is called
// from the single pump goroutine, so each subscriber sees chunks in order.
func (p *Process) publish(chunk []byte) {
	p.subMu.Lock()
	fns := make([]func(chunk []byte), 0, len(p.subscribers))
	for _, fn := range p.subscribers {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()

	for _, fn := range fns {
		fn(chunk)
	}
}
