// Package session drives one B2F dialog over a connected transport: login
// prompts, the command loop, proposal collection, and batch reception.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lestrrat-go/strftime"

	"github.com/meshbridge/go-winlink-server/internal/b2"
	"github.com/meshbridge/go-winlink-server/internal/logging"
	"github.com/meshbridge/go-winlink-server/internal/mailbox"
	"github.com/meshbridge/go-winlink-server/internal/metrics"
	"github.com/meshbridge/go-winlink-server/internal/transport"
	"github.com/meshbridge/go-winlink-server/internal/users"
)

// State is the dialog phase of a session.
type State int

const (
	StateConnected State = iota
	StatePassword
	StateLoginOK
	StateCommand
	StateProposalWait
	StateReceiving
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StatePassword:
		return "password"
	case StateLoginOK:
		return "login_ok"
	case StateCommand:
		return "command"
	case StateProposalWait:
		return "proposal_wait"
	case StateReceiving:
		return "receiving"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

const (
	promptCallsign = "Callsign :"
	promptPassword = "Password :"
	bannerSID      = "[AREDN_BRIDGE-1.0-B2F$]"
	bannerPQ       = ";PQ: 00000001"
	bannerPrompt   = "CMS>"

	fwStampPattern = "%Y%m%d%H%M%S"

	// maxUnknown closes the dialog after this many unrecognized lines.
	maxUnknown = 3

	defaultInteractive = 120 * time.Second
	defaultReceiveIdle = 5 * time.Second
)

// Session owns one connection for its whole lifetime. It is not safe for
// concurrent use; exactly one goroutine runs it.
type Session struct {
	line  *transport.Line
	users *users.Directory
	store *mailbox.Store
	codec b2.Decompressor
	log   *slog.Logger
	clock func() time.Time

	interactiveTO time.Duration
	receiveIdle   time.Duration

	state    State
	callsign string
	peer     SID
	hints    []string
	queue    []Proposal
	unknown  int
	messages uint64
}

type Option func(*Session)

// WithLogger injects the per-connection logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithDecompressor substitutes the payload codec.
func WithDecompressor(d b2.Decompressor) Option {
	return func(s *Session) { s.codec = d }
}

// WithInteractiveTimeout bounds each line read during the dialog.
func WithInteractiveTimeout(d time.Duration) Option {
	return func(s *Session) { s.interactiveTO = d }
}

// WithReceiveIdle bounds the quiet window between batch chunks.
func WithReceiveIdle(d time.Duration) Option {
	return func(s *Session) { s.receiveIdle = d }
}

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.clock = now }
}

// New builds a session over conn. The directory and store are shared,
// read-only from the session's point of view.
func New(conn transport.Conn, dir *users.Directory, store *mailbox.Store, opts ...Option) *Session {
	s := &Session{
		line:          transport.NewLine(conn),
		users:         dir,
		store:         store,
		log:           logging.L(),
		clock:         time.Now,
		interactiveTO: defaultInteractive,
		receiveIdle:   defaultReceiveIdle,
		state:         StateConnected,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State reports the current dialog phase.
func (s *Session) State() State { return s.state }

// Callsign reports the login name once presented.
func (s *Session) Callsign() string { return s.callsign }

// Messages reports how many messages this session has stored.
func (s *Session) Messages() uint64 { return s.messages }

// Run drives the dialog until the session closes. A nil return covers every
// normal ending, including peer disconnects and idle timeouts; errors mean
// the transport failed mid-write or the context was canceled.
func (s *Session) Run(ctx context.Context) error {
	s.log.Debug("session start")
	for s.state != StateClosing {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.step(); err != nil {
			return err
		}
	}
	s.log.Debug("session end", "messages", s.messages)
	return nil
}

func (s *Session) step() error {
	switch s.state {
	case StateConnected:
		return s.stepCallsign()
	case StatePassword:
		return s.stepPassword()
	case StateLoginOK:
		return s.stepBanner()
	case StateCommand, StateProposalWait:
		return s.stepCommand()
	case StateReceiving:
		return s.stepReceiving()
	default:
		return fmt.Errorf("session: step in state %s", s.state)
	}
}

func (s *Session) stepCallsign() error {
	if err := s.send(promptCallsign); err != nil {
		return err
	}
	line, err := s.line.ReadLine(s.interactiveTO)
	if err != nil {
		s.state = StateClosing
		return s.quiet(err, "callsign")
	}
	call := strings.ToUpper(strings.TrimSpace(line))
	if call == "" {
		s.log.Info("empty callsign")
		s.state = StateClosing
		return nil
	}
	s.callsign = call
	s.log = s.log.With("callsign", call)

	stamp, _ := strftime.Format(fwStampPattern, s.clock().UTC())
	if err := s.send(";FW:" + stamp); err != nil {
		return err
	}
	s.state = StatePassword
	return nil
}

func (s *Session) stepPassword() error {
	if err := s.send(promptPassword); err != nil {
		return err
	}
	password, err := s.line.ReadLine(s.interactiveTO)
	if err != nil {
		s.state = StateClosing
		return s.quiet(err, "password")
	}
	if !s.users.Authenticate(s.callsign, password) {
		metrics.IncLoginFail()
		metrics.IncError(metrics.ErrAuth)
		s.log.Warn("login failed")
		s.state = StateClosing
		return s.send(";NAK")
	}
	s.log.Info("login ok")
	s.state = StateLoginOK
	return nil
}

func (s *Session) stepBanner() error {
	for _, l := range []string{bannerSID, bannerPQ, bannerPrompt} {
		if err := s.send(l); err != nil {
			return err
		}
	}
	s.state = StateCommand
	return nil
}

func (s *Session) stepCommand() error {
	line, err := s.line.ReadLine(s.interactiveTO)
	if err != nil {
		s.state = StateClosing
		return s.quiet(err, "command")
	}
	return s.dispatch(line)
}

func (s *Session) dispatch(line string) error {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == "":
		return nil

	case strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]"):
		s.peer = ParseSID(trimmed)
		s.log.Debug("peer sid",
			"author", s.peer.Author,
			"version", s.peer.Version,
			"features", s.peer.Features,
		)
		return nil

	case strings.HasPrefix(trimmed, ";FW:"):
		s.hints = append(s.hints, strings.TrimSpace(trimmed[len(";FW:"):]))
		return nil

	case strings.HasPrefix(trimmed, ";"):
		return nil

	case strings.HasPrefix(trimmed, "FC "):
		p, err := ParseProposal(trimmed)
		if err != nil {
			metrics.IncProtoError(metrics.KindProposal)
			s.log.Warn("malformed proposal", "line", trimmed, "err", err)
			return s.send(";NAK: Malformed FC")
		}
		s.queue = append(s.queue, p)
		metrics.IncProposal()
		s.log.Debug("proposal queued",
			"kind", p.Kind,
			"mid", p.MID,
			"uncompressed", p.UncompressedSize,
			"compressed", p.CompressedSize,
		)
		s.state = StateProposalWait
		return nil

	case strings.HasPrefix(trimmed, "F>"):
		if len(s.queue) == 0 {
			return s.send(";NAK: Unexpected F>")
		}
		if err := s.send("FS " + strings.Repeat("Y", len(s.queue))); err != nil {
			return err
		}
		s.state = StateReceiving
		return nil

	case trimmed == "FF":
		s.state = StateClosing
		return s.send("FQ")

	case trimmed == "FQ":
		s.state = StateClosing
		return nil

	case trimmed == "EXIT" || trimmed == "BYE" || trimmed == "B":
		s.state = StateClosing
		return nil

	default:
		s.unknown++
		metrics.IncUnknownCommand()
		s.log.Debug("unknown command", "line", trimmed, "strikes", s.unknown)
		if s.unknown >= maxUnknown {
			s.state = StateClosing
		}
		return s.send(";NAK: Unknown")
	}
}

// send writes one CR-terminated line. Write failures close the session.
func (s *Session) send(line string) error {
	if err := s.line.SendLine(line); err != nil {
		s.state = StateClosing
		if errors.Is(err, transport.ErrClosed) {
			s.log.Debug("peer closed before write", "line", line)
			return nil
		}
		metrics.IncError(metrics.ErrTCPWrite)
		return fmt.Errorf("session: write %q: %w", line, err)
	}
	return nil
}

// quiet absorbs the read failures that end sessions in the normal course:
// peer disconnects and idle timeouts. Anything else is a transport fault.
func (s *Session) quiet(err error, where string) error {
	switch {
	case errors.Is(err, transport.ErrClosed):
		s.log.Debug("peer closed", "where", where)
		return nil
	case errors.Is(err, transport.ErrTimeout):
		s.log.Info("session idle timeout", "where", where)
		return nil
	default:
		metrics.IncError(metrics.ErrTCPRead)
		return fmt.Errorf("session: read at %s: %w", where, err)
	}
}
