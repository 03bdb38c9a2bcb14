package term

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientFrame is one inbound WebSocket message. Raw (non-JSON) text is
// treated as input.
type clientFrame struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

type serverFrame struct {
	Type     string `json:"type"`
	Data     string `json:"data,omitempty"`
	Message  string `json:"message,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Signal   string `json:"signal,omitempty"`
}

// ServeConn attaches conn to the session and pumps frames both ways until
// the client disconnects or the session closes. The session survives the
// disconnect in a detached state.
func (sv *Service) ServeConn(conn *websocket.Conn, s *Session) {
	conn.SetReadLimit(MaxFrameBytes + 1024)

	var writeMu sync.Mutex
	send := func(f serverFrame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		_ = conn.WriteJSON(f)
	}

	replay := s.attach(func(b []byte) {
		send(serverFrame{Type: "output", Data: string(b)})
	}, func(st ExitStatus) {
		code := st.Code
		send(serverFrame{Type: "exit", ExitCode: &code, Signal: st.Signal})
	})
	if len(replay) > 0 {
		send(serverFrame{Type: "output", Data: string(replay)})
	}
	if st, exited := s.Exited(); exited {
		code := st.Code
		send(serverFrame{Type: "exit", ExitCode: &code, Signal: st.Signal})
	}

	defer s.Detach()
	for {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}
		if len(payload) > MaxFrameBytes {
			send(serverFrame{Type: "warning", Message: "input frame too large, dropped"})
			continue
		}

		var f clientFrame
		if err := json.Unmarshal(payload, &f); err != nil || f.Type == "" {
			// Raw text is terminal input.
			if werr := s.Write(payload); werr != nil {
				send(serverFrame{Type: "warning", Message: werr.Error()})
			}
			continue
		}
		switch f.Type {
		case "input":
			if werr := s.Write([]byte(f.Data)); werr != nil {
				send(serverFrame{Type: "warning", Message: werr.Error()})
			}
		case "resize":
			if rerr := s.Resize(f.Cols, f.Rows); rerr != nil {
				send(serverFrame{Type: "warning", Message: rerr.Error()})
			}
		case "ping":
			send(serverFrame{Type: "pong"})
		default:
			send(serverFrame{Type: "warning", Message: "unknown frame type: " + f.Type})
		}
	}
}
