// Package rpc implements both ends of the replication protocol: the
// per-repository server that answers sessions over any stream
// transport, and the client that presents a remote repository through
// the same interface as a local one.
package rpc

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/WebFirstLanguage/hivefs/internal/metrics"
	"github.com/WebFirstLanguage/hivefs/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/stream"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
	"github.com/WebFirstLanguage/hivefs/pkg/wire"
)

// shutdownDrain is how long Shutdown waits for sessions to finish
const shutdownDrain = 30 * time.Second

// Extension is a server-side protocol extension: it receives the
// caller's opaque request body and returns an opaque response.
type Extension func(data []byte) ([]byte, error)

// Server answers replication sessions against one repository. Sessions
// are independent and share only the underlying store.
type Server struct {
	repo *repo.LocalRepo

	mu       sync.Mutex
	sessions map[*Session]struct{}
	exts     map[string]Extension

	interrupted chan struct{}
	closeOnce   sync.Once
	drained     sync.WaitGroup
}

// NewServer creates a server for the given repository with the
// built-in extensions registered
func NewServer(r *repo.LocalRepo) *Server {
	s := &Server{
		repo:        r,
		sessions:    make(map[*Session]struct{}),
		exts:        make(map[string]Extension),
		interrupted: make(chan struct{}),
	}
	s.RegisterExt("stats", s.statsExt)
	return s
}

// RegisterExt installs a named protocol extension
func (s *Server) RegisterExt(name string, ext Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exts[name] = ext
}

// statsExt answers the built-in stats extension with CBOR-encoded
// store statistics
func (s *Server) statsExt([]byte) ([]byte, error) {
	return cborcanon.Marshal(s.repo.Stats())
}

// interruptRequested reports whether shutdown started
func (s *Server) interruptRequested() bool {
	select {
	case <-s.interrupted:
		return true
	default:
		return false
	}
}

// Serve runs the accept loop on a listener, spawning one session per
// connection, until the context ends or Shutdown is called.
func (s *Server) Serve(ctx context.Context, l transport.Listener, transportName string) error {
	for {
		if s.interruptRequested() || ctx.Err() != nil {
			return nil
		}
		conn, err := l.Accept(ctx)
		if err != nil {
			if s.interruptRequested() || ctx.Err() != nil {
				return nil
			}
			log.Printf("rpc: accept on %s: %v", l.Addr(), err)
			continue
		}
		metrics.SessionsAccepted.WithLabelValues(transportName).Inc()

		session := newSession(s, conn)
		s.add(session)
		s.drained.Add(1)
		go func() {
			defer s.drained.Done()
			session.run()
			s.remove(session)
		}()
	}
}

// ServeConn answers one session synchronously on an existing
// connection. Used for stdio-fronted sessions.
func (s *Server) ServeConn(conn transport.Conn, transportName string) {
	metrics.SessionsAccepted.WithLabelValues(transportName).Inc()
	session := newSession(s, conn)
	s.add(session)
	session.run()
	s.remove(session)
}

func (s *Server) add(session *Session) {
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) remove(session *Session) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

// Shutdown interrupts every session, force-closes their transports and
// waits for them to drain. Sessions still alive after the drain window
// are reported as a bug.
func (s *Server) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.interrupted)
	})

	s.mu.Lock()
	for session := range s.sessions {
		session.forceExit()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.drained.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrain):
		log.Printf("rpc: sessions still running after %s drain", shutdownDrain)
	}
}

// sessionState tracks where a session is in its request loop.
type sessionState int32

const (
	stateIdle sessionState = iota
	stateReadingCmd
	stateDispatching
	stateWritingResp
	stateClosed
)

// Session is one protocol conversation with a peer.
type Session struct {
	server *Server
	conn   transport.Conn
	r      *stream.Reader
	w      *stream.Writer

	mu    sync.Mutex
	state sessionState
}

func newSession(s *Server, conn transport.Conn) *Session {
	return &Session{
		server: s,
		conn:   conn,
		r:      stream.NewReader(stream.NewConnSource(conn)),
		w:      stream.NewWriter(conn),
	}
}

func (sn *Session) setState(st sessionState) {
	sn.mu.Lock()
	sn.state = st
	sn.mu.Unlock()
}

// State returns the session's current protocol state
func (sn *Session) State() sessionState {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.state
}

// forceExit severs the transport; the session loop observes the read
// failure and tears down
func (sn *Session) forceExit() {
	sn.conn.Close()
}

// run drives the session: the opening status byte, then the
// command/response loop until the peer goes away or a protocol error
// ends the conversation.
func (sn *Session) run() {
	defer func() {
		sn.setState(stateClosed)
		sn.conn.Close()
	}()

	if err := wire.WriteOK(sn.w); err != nil {
		return
	}

	for {
		if sn.server.interruptRequested() {
			return
		}

		sn.setState(stateReadingCmd)
		cmd, err := wire.ReadCommand(sn.r)
		if err != nil {
			// The peer hung up or sent garbage; either way the session
			// is over
			return
		}

		sn.setState(stateDispatching)
		metrics.CommandsServed.WithLabelValues(cmd).Inc()
		if err := sn.dispatch(cmd); err != nil {
			metrics.CommandErrors.WithLabelValues(cmd).Inc()
			sn.setState(stateWritingResp)
			if werr := wire.WriteError(sn.w, err.Error()); werr != nil {
				return
			}
		}
		sn.setState(stateIdle)
	}
}

// dispatch answers one command. Returning an error makes the loop send
// an error response; handlers that already wrote their response return
// nil.
func (sn *Session) dispatch(cmd string) error {
	switch cmd {
	case wire.CmdHello:
		return sn.cmdHello()
	case wire.CmdGetFSID:
		return sn.cmdGetFSID()
	case wire.CmdGetVersion:
		return sn.cmdGetVersion()
	case wire.CmdGetHead:
		return sn.cmdGetHead()
	case wire.CmdListObjs:
		return sn.cmdListObjs()
	case wire.CmdListCommits:
		return sn.cmdListCommits()
	case wire.CmdReadObjs:
		return sn.cmdReadObjs()
	case wire.CmdGetObjInfo:
		return sn.cmdGetObjInfo()
	case wire.CmdExtList:
		return sn.cmdExtList()
	case wire.CmdExtCall:
		return sn.cmdExtCall()
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func (sn *Session) cmdHello() error {
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return sn.w.WritePStr(wire.ProtoVersion)
}

func (sn *Session) cmdGetFSID() error {
	fsid, err := sn.server.repo.FSID()
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return sn.w.WritePStr(fsid)
}

func (sn *Session) cmdGetVersion() error {
	version, err := sn.server.repo.Version()
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return sn.w.WritePStr(version)
}

func (sn *Session) cmdGetHead() error {
	head, err := sn.server.repo.Head()
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return sn.w.WriteHash(head)
}

func (sn *Session) cmdListObjs() error {
	infos, err := sn.server.repo.ListObjects()
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	if err := sn.w.WriteUInt64(uint64(len(infos))); err != nil {
		return err
	}
	for _, info := range infos {
		if err := objects.WriteInfo(sn.w, info); err != nil {
			return err
		}
	}
	return nil
}

func (sn *Session) cmdListCommits() error {
	commits, err := sn.server.repo.ListCommits()
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	if err := sn.w.WriteUInt32(uint32(len(commits))); err != nil {
		return err
	}
	for _, c := range commits {
		blob, err := c.Marshal()
		if err != nil {
			return err
		}
		if err := sn.w.WritePStr(string(blob)); err != nil {
			return err
		}
	}
	return nil
}

func (sn *Session) cmdReadObjs() error {
	count, err := sn.r.ReadUInt32()
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	hashes := make([]objecthash.Hash, 0, count)
	for i := uint32(0); i < count; i++ {
		h, err := sn.r.ReadHash()
		if err != nil {
			return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
		}
		hashes = append(hashes, h)
	}

	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	counting := &countingWriter{w: sn.w}
	cw := stream.NewWriter(counting)
	if err := sn.server.repo.Transmit(cw, hashes); err != nil {
		// The response header is already out; the session cannot
		// recover from a failure mid-stream
		sn.conn.Close()
		return nil
	}
	metrics.ObjectsSent.Add(float64(len(hashes)))
	metrics.BytesSent.Add(float64(counting.n))
	return nil
}

func (sn *Session) cmdGetObjInfo() error {
	hash, err := sn.r.ReadHash()
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	info, err := sn.server.repo.GetObjectInfo(hash)
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return objects.WriteInfo(sn.w, info)
}

func (sn *Session) cmdExtList() error {
	sn.server.mu.Lock()
	names := make([]string, 0, len(sn.server.exts))
	for name := range sn.server.exts {
		names = append(names, name)
	}
	sn.server.mu.Unlock()
	sort.Strings(names)

	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	if err := sn.w.WriteUInt8(uint8(len(names))); err != nil {
		return err
	}
	for _, name := range names {
		if err := sn.w.WritePStr(name); err != nil {
			return err
		}
	}
	return nil
}

func (sn *Session) cmdExtCall() error {
	name, err := sn.r.ReadPStr()
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}
	data, err := sn.r.ReadLPStr()
	if err != nil {
		return fmt.Errorf("%w: %v", wire.ErrProtocol, err)
	}

	sn.server.mu.Lock()
	ext, ok := sn.server.exts[name]
	sn.server.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown extension %q", name)
	}

	result, err := ext([]byte(data))
	if err != nil {
		return err
	}
	sn.setState(stateWritingResp)
	if err := wire.WriteOK(sn.w); err != nil {
		return err
	}
	return sn.w.WriteLPStr(string(result))
}

// countingWriter tallies bytes passing through it
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
