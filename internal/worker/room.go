package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxrelay/internal/session"
	"github.com/MrWong99/voxrelay/pkg/audio"
)

// readLimit bounds a single inbound websocket message.
const readLimit = 1 << 20

var _ session.Room = (*wsRoom)(nil)

// wsRoom carries one client over a websocket. Binary messages are 16-bit LE
// PCM in each direction; text messages from the server are JSON events.
// Text messages from the client are ignored.
type wsRoom struct {
	name    string
	conn    *websocket.Conn
	in, out audio.Format
	log     *slog.Logger

	audio chan []byte
	ended chan struct{}
}

func newWSRoom(name string, conn *websocket.Conn, in, out audio.Format, log *slog.Logger) *wsRoom {
	conn.SetReadLimit(readLimit)
	return &wsRoom{
		name:  name,
		conn:  conn,
		in:    in,
		out:   out,
		log:   log,
		audio: make(chan []byte, 64),
		ended: make(chan struct{}),
	}
}

func (r *wsRoom) Name() string               { return r.name }
func (r *wsRoom) Audio() <-chan []byte       { return r.audio }
func (r *wsRoom) InputFormat() audio.Format  { return r.in }
func (r *wsRoom) OutputFormat() audio.Format { return r.out }

func (r *wsRoom) WriteAudio(ctx context.Context, pcm []byte) error {
	if err := r.conn.Write(ctx, websocket.MessageBinary, pcm); err != nil {
		return fmt.Errorf("worker: write audio: %w", err)
	}
	return nil
}

func (r *wsRoom) SendEvent(ctx context.Context, ev session.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("worker: encode event: %w", err)
	}
	if err := r.conn.Write(ctx, websocket.MessageText, b); err != nil {
		return fmt.Errorf("worker: send event: %w", err)
	}
	return nil
}

// Ended is closed when the client has gone away.
func (r *wsRoom) Ended() <-chan struct{} { return r.ended }

// readLoop pumps inbound audio until the connection fails or ctx ends.
func (r *wsRoom) readLoop(ctx context.Context) {
	defer close(r.ended)
	defer close(r.audio)
	for {
		typ, data, err := r.conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				r.log.Info("client disconnected", "status", status)
			} else if ctx.Err() == nil {
				r.log.Warn("read from client", "err", err)
			}
			return
		}
		if typ != websocket.MessageBinary {
			r.log.Debug("ignoring text message from client", "bytes", len(data))
			continue
		}
		if len(data)%2 != 0 {
			data = data[:len(data)-1]
		}
		select {
		case r.audio <- data:
		case <-ctx.Done():
			return
		}
	}
}
