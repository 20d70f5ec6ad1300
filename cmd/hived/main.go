// Command hived serves a repository to peers: the session protocol on
// the repository's Unix socket, TCP and QUIC, the HTTP endpoint set,
// and a stdio mode for SSH-fronted sessions.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/WebFirstLanguage/hivefs/internal/config"
	"github.com/WebFirstLanguage/hivefs/pkg/repo"
	"github.com/WebFirstLanguage/hivefs/pkg/rpc"
	"github.com/WebFirstLanguage/hivefs/pkg/rpc/httpd"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
	transportexec "github.com/WebFirstLanguage/hivefs/pkg/transport/exec"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/quic"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/tcp"
	_ "github.com/WebFirstLanguage/hivefs/pkg/transport/uds"
)

var version = "dev"

func main() {
	fs := flag.NewFlagSet("hived", flag.ExitOnError)
	repoPath := fs.String("repo", "", "repository directory (default: search upward)")
	stdio := fs.Bool("stdio", false, "serve one session over stdin/stdout and exit")
	tcpAddr := fs.String("tcp", "", "TCP listen address (overrides config)")
	quicAddr := fs.String("quic", "", "QUIC listen address (overrides config)")
	httpAddr := fs.String("http", "", "HTTP listen address (overrides config)")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("hived %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("hived: %v", err)
	}
	opts, err := cfg.RepoOptions()
	if err != nil {
		log.Fatalf("hived: %v", err)
	}

	path := *repoPath
	if path == "" {
		if fs.NArg() > 0 {
			path = fs.Arg(0)
		} else {
			log.Fatal("hived: --repo is required")
		}
	}

	// Serving is read-only against the store; concurrent writers keep
	// their own lock
	r, err := repo.Open(path, false, opts)
	if err != nil {
		log.Fatalf("hived: %v", err)
	}
	defer r.Close()

	server := rpc.NewServer(r)

	if *stdio {
		server.ServeConn(transportexec.NewPipeConn(os.Stdin, os.Stdout), "stdio")
		return
	}

	id, err := r.Identity()
	if err != nil {
		log.Fatalf("hived: %v", err)
	}
	trust, err := r.TrustStore()
	if err != nil {
		log.Fatalf("hived: %v", err)
	}
	fsid, _ := r.FSID()
	tcfg := &transport.Config{Identity: id, FSID: fsid, Trust: trust}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var closers []func()

	listenStream := func(scheme, addr string, secure bool) {
		if addr == "" {
			return
		}
		t, ok := transport.DefaultRegistry.Get(scheme)
		if !ok {
			log.Fatalf("hived: no %s transport", scheme)
		}
		lcfg := tcfg
		if !secure {
			lcfg = nil
		}
		l, err := t.Listen(ctx, addr, lcfg)
		if err != nil {
			log.Fatalf("hived: listen %s %s: %v", scheme, addr, err)
		}
		log.Printf("hived: serving %s on %s", scheme, l.Addr())
		closers = append(closers, func() { l.Close() })
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.Serve(ctx, l, scheme)
		}()
	}

	// The local socket is always served; the network listeners follow
	// the configuration
	listenStream("uds", r.UDSPath(), false)

	tcp := *tcpAddr
	if tcp == "" {
		tcp = cfg.Listen.TCP
	}
	listenStream("tcp", tcp, true)

	quic := *quicAddr
	if quic == "" {
		quic = cfg.Listen.QUIC
	}
	listenStream("quic", quic, true)

	httpListen := *httpAddr
	if httpListen == "" {
		httpListen = cfg.Listen.HTTP
	}
	var httpServer *http.Server
	if httpListen != "" {
		httpServer = &http.Server{Addr: httpListen, Handler: httpd.NewHandler(r)}
		log.Printf("hived: serving http on %s", httpListen)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("hived: http: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Print("hived: shutting down")

	cancel()
	for _, c := range closers {
		c()
	}
	if httpServer != nil {
		httpServer.Shutdown(context.Background())
	}
	server.Shutdown()
	wg.Wait()
}
