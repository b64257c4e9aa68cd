package session

import (
	"errors"

	"github.com/meshbridge/go-winlink-server/internal/b2"
	"github.com/meshbridge/go-winlink-server/internal/message"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/transport"
)

const recvChunk = 32 * 1024

// stepReceiving reads the batch: every accepted proposal's frame arrives
// back to back in one blob with no per-frame acknowledgement. The blob is
// grown by idle-bounded chunk reads and walked frame by frame using the
// parser's next-index return.
func (s *Session) stepReceiving() error {
	blob := make([]byte, 0, s.pendingBytes())
	buf := make([]byte, recvChunk)
	cursor := 0

	for len(s.queue) > 0 {
		f, next, err := b2.Parse(blob[cursor:])
		switch {
		case err == nil:
			if err := s.acceptFrame(f, blob[cursor:cursor+next]); err != nil {
				return err
			}
			cursor += next
			continue
		case errors.Is(err, b2.ErrIncomplete):
			// fall through to read more
		default:
			return s.nakClose(err)
		}

		n, rerr := s.line.ReadChunk(buf, s.receiveIdle)
		if n > 0 {
			blob = append(blob, buf[:n]...)
			continue
		}
		if rerr == nil {
			continue
		}
		if errors.Is(rerr, transport.ErrTimeout) {
			metrics.IncProtoError(metrics.KindTimeout)
			s.log.Warn("batch idle timeout", "pending", len(s.queue), "received", len(blob))
			s.state = StateClosing
			return s.send(";NAK: Timeout")
		}
		s.state = StateClosing
		return s.quiet(rerr, "batch")
	}

	if cursor < len(blob) {
		s.log.Debug("trailing batch bytes dropped", "count", len(blob)-cursor)
	}
	if err := s.send("FF"); err != nil {
		return err
	}
	s.state = StateCommand
	return nil
}

// acceptFrame validates the head proposal's frame, expands and decodes it,
// and persists the artifact set. Store failures do not abort the batch.
func (s *Session) acceptFrame(f *b2.Frame, raw []byte) error {
	p := s.queue[0]
	if err := f.Validate(p.CompressedSize, p.UncompressedSize); err != nil {
		return s.nakClose(err)
	}
	payload, err := b2.Expand(f, p.UncompressedSize, s.codec)
	if err != nil {
		return s.nakClose(err)
	}

	m := message.Extract(payload, p.MID)
	metrics.IncMessage()
	metrics.AddMessageBytes(p.UncompressedSize)
	s.messages++
	s.log.Info("message received",
		"mid", m.MID,
		"kind", p.Kind,
		"from", m.From,
		"subject", m.Subject,
		"bytes", p.UncompressedSize,
	)
	if _, err := s.store.Save(m, raw, s.clock()); err != nil {
		s.log.Debug("artifact set incomplete", "mid", m.MID)
	}
	s.queue = s.queue[1:]
	return nil
}

// nakClose rejects the batch and ends the dialog; the protocol has no
// retransmit, so the session is disposable once a frame is bad.
func (s *Session) nakClose(err error) error {
	reason, kind := nakReason(err)
	metrics.IncProtoError(kind)
	s.log.Warn("batch rejected", "reason", reason, "err", err)
	s.state = StateClosing
	return s.send(";NAK: " + reason)
}

func nakReason(err error) (reason, kind string) {
	switch {
	case errors.Is(err, b2.ErrChecksum):
		return "Checksum", metrics.KindChecksum
	case errors.Is(err, b2.ErrSizeMismatch):
		return "SizeMismatch", metrics.KindSize
	case errors.Is(err, b2.ErrDecompress):
		return "Decompress", metrics.KindDecompress
	default:
		return "Format", metrics.KindFormat
	}
}

// pendingBytes sizes the blob buffer from the queued proposals plus frame
// overhead.
func (s *Session) pendingBytes() int {
	total := 0
	for _, p := range s.queue {
		total += p.CompressedSize + 64
	}
	return total
}
