package socketio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Packet types of the socket.io 0.9 wire protocol.
const (
	typeDisconnect = "0"
	typeConnect    = "1"
	typeHeartbeat  = "2"
	typeMessage    = "3"
	typeJSON       = "4"
	typeEvent      = "5"
	typeAck        = "6"
	typeError      = "7"
	typeNoop       = "8"
)

// frame is a single packet: `type:id:endpoint:data`. The id of an event that
// expects an ack carries a '+' suffix.
type frame struct {
	Type     string
	ID       string
	Endpoint string
	Data     string
}

func (f frame) String() string {
	if f.Data == "" {
		return fmt.Sprintf("%s:%s:%s", f.Type, f.ID, f.Endpoint)
	}
	return fmt.Sprintf("%s:%s:%s:%s", f.Type, f.ID, f.Endpoint, f.Data)
}

func parseFrame(msg string) (frame, error) {
	parts := strings.SplitN(msg, ":", 4)
	if len(parts) < 3 {
		return frame{}, fmt.Errorf("malformed packet %q", msg)
	}

	f := frame{Type: parts[0], ID: parts[1], Endpoint: parts[2]}
	if len(parts) == 4 {
		f.Data = parts[3]
	}
	return f, nil
}

// eventPayload is the data of an event packet.
type eventPayload struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

func encodeEvent(id int, name string, args []interface{}) (string, error) {
	rawArgs := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		raw, err := json.Marshal(arg)
		if err != nil {
			return "", err
		}
		rawArgs = append(rawArgs, raw)
	}

	data, err := json.Marshal(eventPayload{Name: name, Args: rawArgs})
	if err != nil {
		return "", err
	}
	return frame{Type: typeEvent, ID: strconv.Itoa(id) + "+", Data: string(data)}.String(), nil
}

// parseAck parses the data of an ack packet, `<id>+[args...]`.
func parseAck(data string) (int, []json.RawMessage, error) {
	idStr, argsStr := data, ""
	if i := strings.IndexByte(data, '+'); i >= 0 {
		idStr, argsStr = data[:i], data[i+1:]
	}

	id, err := strconv.Atoi(idStr)
	if err != nil {
		return 0, nil, fmt.Errorf("malformed ack id %q", idStr)
	}

	var args []json.RawMessage
	if argsStr != "" {
		if err := json.Unmarshal([]byte(argsStr), &args); err != nil {
			return 0, nil, fmt.Errorf("malformed ack args: %s", err)
		}
	}
	return id, args, nil
}

// handshake is the response to the initial HTTP request:
// `sid:heartbeat:close:transports`.
type handshake struct {
	SessionID        string
	HeartbeatTimeout int
	CloseTimeout     int
	Transports       []string
}

func parseHandshake(body string) (handshake, error) {
	parts := strings.Split(strings.TrimSpace(body), ":")
	if len(parts) != 4 || parts[0] == "" {
		return handshake{}, fmt.Errorf("malformed handshake %q", body)
	}

	hs := handshake{SessionID: parts[0], Transports: strings.Split(parts[3], ",")}
	// The timeouts may be empty, meaning they're disabled.
	if parts[1] != "" {
		timeout, err := strconv.Atoi(parts[1])
		if err != nil {
			return handshake{}, fmt.Errorf("malformed heartbeat timeout %q", parts[1])
		}
		hs.HeartbeatTimeout = timeout
	}
	if parts[2] != "" {
		timeout, err := strconv.Atoi(parts[2])
		if err != nil {
			return handshake{}, fmt.Errorf("malformed close timeout %q", parts[2])
		}
		hs.CloseTimeout = timeout
	}
	return hs, nil
}

func (hs handshake) supports(transport string) bool {
	for _, t := range hs.Transports {
		if t == transport {
			return true
		}
	}
	return false
}
