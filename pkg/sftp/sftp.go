// Package sftp implements the per-server SFTP request handler (spec.md
// §4.15), backing github.com/pkg/sftp's RequestServer against pkg/filesystem
// rather than the local OS filesystem directly, so every SFTP operation goes
// through the same SafePath/quota/denylist checks the HTTP file API uses.
// Host authentication uses golang.org/x/crypto/ssh with the key managed by
// pkg/security.
package sftp

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/cuemby/warden/pkg/apierror"
	"github.com/cuemby/warden/pkg/filesystem"
	"github.com/cuemby/warden/pkg/log"
	"github.com/cuemby/warden/pkg/metrics"
)

// ServerResolver maps an authenticated SFTP username to the filesystem
// scoped to that server, so one listener can serve every server on the node.
type ServerResolver func(username string) (*filesystem.Filesystem, bool)

// Server listens for SFTP connections and dispatches each session's
// filesystem operations to the resolved server's Filesystem.
type Server struct {
	listener net.Listener
	signer   ssh.Signer
	resolve  ServerResolver
	readOnly bool
	authFunc func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error)
}

// Config configures the listener.
type Config struct {
	BindAddress string
	BindPort    int
	HostKey     ssh.Signer
	ReadOnly    bool
	Authenticate func(username, password string) bool
}

// New creates (but does not yet start) an SFTP server.
func New(cfg Config, resolve ServerResolver) *Server {
	s := &Server{signer: cfg.HostKey, resolve: resolve, readOnly: cfg.ReadOnly}
	s.authFunc = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
		if cfg.Authenticate == nil || !cfg.Authenticate(conn.User(), string(password)) {
			return nil, fmt.Errorf("authentication failed for %s", conn.User())
		}
		return &ssh.Permissions{}, nil
	}
	return s
}

// ListenAndServe binds the configured address and serves connections until
// ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.listener = ln
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	sshConfig := &ssh.ServerConfig{PasswordCallback: s.authFunc}
	sshConfig.AddHostKey(s.signer)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Errorf("sftp accept failed", err)
				continue
			}
		}
		go s.handleConn(conn, sshConfig)
	}
}

func (s *Server) handleConn(conn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	fs, ok := s.resolve(sshConn.User())
	if !ok {
		return
	}

	metrics.SFTPSessionsActive.Inc()
	defer metrics.SFTPSessionsActive.Dec()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		channel, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go s.serveChannel(channel, requests, fs)
	}
}

func (s *Server) serveChannel(channel ssh.Channel, requests <-chan *ssh.Request, fs *filesystem.Filesystem) {
	defer channel.Close()
	for req := range requests {
		if req.Type != "subsystem" || string(req.Payload[4:]) != "sftp" {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)
		break
	}

	handlers := sftp.Handlers{
		FileGet:  &fileReader{fs: fs},
		FilePut:  &fileWriter{fs: fs, readOnly: s.readOnly},
		FileCmd:  &fileCmder{fs: fs, readOnly: s.readOnly},
		FileList: &fileLister{fs: fs},
	}
	server := sftp.NewRequestServer(channel, handlers)
	defer server.Close()
	if err := server.Serve(); err != nil && err != io.EOF {
		log.Errorf("sftp session ended with error", err)
	}
}

func recordRequest(method string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.SFTPRequestsTotal.WithLabelValues(method, status).Inc()
}

func toSFTPStatus(err error) error {
	if err == nil {
		return nil
	}
	if os.IsNotExist(err) {
		return os.ErrNotExist
	}
	kind := apierror.KindOf(err)
	switch kind {
	case apierror.NotFound:
		return os.ErrNotExist
	case apierror.Permission, apierror.Validation:
		return os.ErrPermission
	default:
		return err
	}
}
