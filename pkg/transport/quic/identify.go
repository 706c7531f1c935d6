package quic

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	quicgo "github.com/quic-go/quic-go"

	"github.com/reakt/train-relay/pkg/model"
)

// identifyTimeout bounds how long a freshly accepted connection has to
// present its identification frame before the relay gives up on it.
const identifyTimeout = 5 * time.Second

// IdentifyHandshake implements the QUIC identification handshake of §6: the
// first frame on the control stream is length-prefixed ASCII of the form
// `TRAIN:<id>` or `REMOTE_CONTROL:<id>`; the relay replies in kind with
// `HELLO:<id>` on the same stream before normal control traffic begins.
func IdentifyHandshake(_ context.Context, stream quicgo.Stream) (model.Role, model.TrainId, model.ConsoleId, error) {
	_ = stream.SetReadDeadline(time.Now().Add(identifyTimeout))

	reader := bufio.NewReader(stream)

	var lenBuf [4]byte
	if _, err := readFull(reader, lenBuf[:]); err != nil {
		return 0, "", "", fmt.Errorf("read identification length: %w", err)
	}
	n := getUint32(lenBuf[:])
	if n == 0 || n > 512 {
		return 0, "", "", fmt.Errorf("implausible identification frame length %d", n)
	}

	payload := make([]byte, n)
	if _, err := readFull(reader, payload); err != nil {
		return 0, "", "", fmt.Errorf("read identification payload: %w", err)
	}

	text := string(payload)
	switch {
	case strings.HasPrefix(text, "TRAIN:"):
		id := strings.TrimPrefix(text, "TRAIN:")
		if id == "" {
			return 0, "", "", fmt.Errorf("empty train id in identification frame")
		}
		if err := writeIdentifyReply(stream, "HELLO:"+id); err != nil {
			return 0, "", "", err
		}
		return model.RoleTrain, model.TrainId(id), "", nil

	case strings.HasPrefix(text, "REMOTE_CONTROL:"):
		id := strings.TrimPrefix(text, "REMOTE_CONTROL:")
		if id == "" {
			return 0, "", "", fmt.Errorf("empty console id in identification frame")
		}
		if err := writeIdentifyReply(stream, "HELLO:"+id); err != nil {
			return 0, "", "", err
		}
		return model.RoleConsole, "", model.ConsoleId(id), nil

	default:
		return 0, "", "", fmt.Errorf("unrecognised identification frame %q", text)
	}
}

func writeIdentifyReply(stream quicgo.Stream, reply string) error {
	var lenBuf [4]byte
	putUint32(lenBuf[:], uint32(len(reply)))
	if _, err := stream.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write hello length: %w", err)
	}
	if _, err := stream.Write([]byte(reply)); err != nil {
		return fmt.Errorf("write hello payload: %w", err)
	}
	return nil
}
