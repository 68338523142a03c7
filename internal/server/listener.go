package server

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/locomote-sh/content-server/internal/builder"
	"github.com/locomote-sh/content-server/internal/events"
	"github.com/locomote-sh/content-server/internal/logfields"
	"github.com/locomote-sh/content-server/internal/request"
)

// HookListener is the process-local TCP endpoint the git post-receive
// hooks notify. Each line is an "account/repo/branch" key; every key
// publishes a repo update and queues a build.
type HookListener struct {
	ln      net.Listener
	builder *builder.Builder
	bus     *events.Bus
	log     *slog.Logger
}

// ListenHooks binds the listener on host:port.
func ListenHooks(host string, port int, b *builder.Builder, bus *events.Bus, log *slog.Logger) (*HookListener, error) {
	addr := fmt.Sprintf("%s:%d", host, port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for post-receive hooks on %s: %w", addr, err)
	}
	return &HookListener{ln: ln, builder: b, bus: bus, log: log}, nil
}

// Addr returns the bound address.
func (l *HookListener) Addr() string { return l.ln.Addr().String() }

// Serve accepts hook connections until the listener is closed.
func (l *HookListener) Serve() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			return
		}
		go l.handle(conn)
	}
}

// Close stops accepting connections.
func (l *HookListener) Close() error { return l.ln.Close() }

func (l *HookListener) handle(conn net.Conn) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		key := strings.TrimSpace(sc.Text())
		if key == "" {
			continue
		}
		parts := strings.Split(key, "/")
		if len(parts) != 3 {
			l.log.Warn("malformed hook notification", logfields.Key(key))
			continue
		}
		account, repo, branch := parts[0], parts[1], parts[2]
		l.log.Info("post-receive notification", logfields.Key(key))

		l.bus.Publish(events.RepoUpdate{
			Account: account,
			Repo:    repo,
			Branch:  branch,
			Key:     request.Key(account, repo, branch),
		})
		if l.builder != nil {
			l.builder.Schedule(account, repo, branch)
		}
	}
}
