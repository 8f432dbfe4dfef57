package usbip

import (
	"context"
	baseerrors "errors"
	"io"
	"net"

	"github.com/go-kit/log/level"

	"github.com/MatthiasValvekens/usbip-server/usb"
)

// Serve accepts client connections on l until the listener is closed.
// Each connection is handled on its own goroutine.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		s.connectionsTotal.Inc()
		_ = level.Info(s.logger).Log("msg", "client connected", "remote", conn.RemoteAddr())
		go s.handleConnection(ctx, conn)
	}
}

// HandleConn runs the protocol state machine for a single established
// connection. Exposed for callers that manage their own listeners.
func (s *Server) HandleConn(ctx context.Context, conn net.Conn) {
	s.connectionsTotal.Inc()
	s.handleConnection(ctx, conn)
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	var imported *usb.Device
	defer func() {
		// Whatever way the connection ends, the device must go back to
		// the pool so the next client can import it.
		if imported != nil {
			s.Release(imported)
			_ = level.Info(s.logger).Log("msg", "device released", "busid", imported.BusID)
		}
		_ = conn.Close()
	}()

	for {
		cmd, err := ReadCommand(conn)
		if err != nil {
			if baseerrors.Is(err, io.EOF) || baseerrors.Is(err, io.ErrUnexpectedEOF) {
				_ = level.Info(s.logger).Log("msg", "client disconnected", "remote", conn.RemoteAddr())
			} else {
				_ = level.Warn(s.logger).Log("msg", "failed to read command", "remote", conn.RemoteAddr(), "err", err)
			}
			return
		}

		var resp Response
		switch cmd := cmd.(type) {
		case *OpReqDevlist:
			resp = s.HandleDevlist()
		case *OpReqImport:
			resp, err = s.HandleImport(cmd.BusID, &imported)
			if err != nil {
				// A malformed import drops the held device but never the
				// connection; the client gets no reply.
				_ = level.Warn(s.logger).Log("msg", "failed import request", "remote", conn.RemoteAddr(), "err", err)
				if imported != nil {
					s.Release(imported)
					imported = nil
				}
				continue
			}
		case *CmdSubmit:
			if imported == nil {
				_ = level.Warn(s.logger).Log("msg", "URB submitted with no imported device", "remote", conn.RemoteAddr(), "seqnum", cmd.Header.Seqnum)
				continue
			}
			resp = s.HandleSubmit(ctx, cmd, imported)
		case *CmdUnlink:
			resp = s.HandleUnlink(cmd)
		}

		if resp == nil {
			continue
		}
		if err := resp.Encode(conn); err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to write reply", "remote", conn.RemoteAddr(), "err", err)
			return
		}
	}
}
