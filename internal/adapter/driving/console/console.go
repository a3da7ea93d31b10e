package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/ya/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Calls is the set of intents the console drives.
type Calls interface {
	StartCall(ctx context.Context, remote domain.ParticipantID, kind domain.CallKind) (domain.CallID, error)
	Accept(ctx context.Context, id domain.CallID) error
	Reject(ctx context.Context, id domain.CallID) error
	End(ctx context.Context, id domain.CallID) error
	ToggleMute(ctx context.Context, id domain.CallID) (bool, error)
	ToggleVideo(ctx context.Context, id domain.CallID) (bool, error)
	ToggleScreenShare(ctx context.Context, id domain.CallID) error
	StartGroupCall(ctx context.Context, groupID string, invitees []domain.ParticipantID, kind domain.CallKind) (domain.GroupCallID, error)
	AcceptGroupCall(ctx context.Context, id domain.GroupCallID) error
	LeaveGroupCall(ctx context.Context, id domain.GroupCallID) error
	Sessions(ctx context.Context) ([]domain.CallSession, error)
}

const help = `commands:
  call <participant> [audio|video]      place a call
  accept [call]                         answer the ringing call
  reject [call]                         decline the ringing call
  end [call]                            hang up
  mute [call|group]                     toggle the microphone
  video [call|group]                    toggle the camera
  screen [call]                         toggle screen sharing
  group <group> <p1,p2,...> [audio|video]  start a group call
  join [group call]                     join a ringing group call
  leave [group call]                    leave a group call
  list                                  show calls
  quit`

var errQuit = errors.New("quit")

// Console reads intents line by line and prints call notifications. It
// implements port.CallObserver.
type Console struct {
	calls Calls
	out   io.Writer

	mu      sync.Mutex
	ringing domain.CallID
	current domain.CallID
	group   domain.GroupCallID
}

func New(calls Calls, out io.Writer) *Console {
	return &Console{calls: calls, out: out}
}

// SetCalls binds the console to the service it drives. The service is
// built with the console as its observer, so the two are tied up after
// construction.
func (c *Console) SetCalls(calls Calls) {
	c.calls = calls
}

// Run processes commands from in until it is exhausted, ctx is done or
// the user quits.
func (c *Console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
		close(lines)
	}()

	c.printf("%s\n", help)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-scanErr
			}
			if err := c.Exec(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				c.printf("error: %v\n", err)
			}
		}
	}
}

// Exec runs a single command line.
func (c *Console) Exec(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	cmd, args := strings.ToLower(fields[0]), fields[1:]

	switch cmd {
	case "help", "?":
		c.printf("%s\n", help)
	case "quit", "exit":
		return errQuit

	case "call":
		if len(args) == 0 {
			return errors.New("usage: call <participant> [audio|video]")
		}
		kind, err := kindArg(args[1:])
		if err != nil {
			return err
		}
		id, err := c.calls.StartCall(ctx, domain.ParticipantID(args[0]), kind)
		if err != nil {
			return err
		}
		c.setCurrent(id)
		c.printf("calling %s (%s)\n", args[0], id)

	case "accept":
		return c.calls.Accept(ctx, c.callArg(args, true))
	case "reject":
		return c.calls.Reject(ctx, c.callArg(args, true))
	case "end", "hangup":
		return c.calls.End(ctx, c.callArg(args, false))

	case "mute":
		muted, err := c.calls.ToggleMute(ctx, c.targetArg(args))
		if err != nil {
			return err
		}
		c.printf("microphone %s\n", onOff(!muted))
	case "video":
		suspended, err := c.calls.ToggleVideo(ctx, c.targetArg(args))
		if err != nil {
			return err
		}
		c.printf("camera %s\n", onOff(!suspended))
	case "screen":
		return c.calls.ToggleScreenShare(ctx, c.callArg(args, false))

	case "group":
		if len(args) < 2 {
			return errors.New("usage: group <group> <p1,p2,...> [audio|video]")
		}
		kind, err := kindArg(args[2:])
		if err != nil {
			return err
		}
		var invitees []domain.ParticipantID
		for _, p := range strings.Split(args[1], ",") {
			if p = strings.TrimSpace(p); p != "" {
				invitees = append(invitees, domain.ParticipantID(p))
			}
		}
		id, err := c.calls.StartGroupCall(ctx, args[0], invitees, kind)
		if err != nil {
			return err
		}
		c.setGroup(id)
		c.printf("group call %s started\n", id)
	case "join":
		return c.calls.AcceptGroupCall(ctx, c.groupArg(args))
	case "leave":
		return c.calls.LeaveGroupCall(ctx, c.groupArg(args))

	case "list", "ls":
		sessions, err := c.calls.Sessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			c.printf("no calls\n")
		}
		for _, s := range sessions {
			c.printf("%s  %-10s %-9s %s %s\n", s.CallID, s.State, s.Role, s.Remote, s.Kind)
		}
	default:
		return fmt.Errorf("unknown command %q, try help", cmd)
	}
	return nil
}

func (c *Console) CallStateChanged(ev domain.CallEvent) {
	s := ev.Session
	c.mu.Lock()
	switch {
	case s.State == domain.StateRinging && s.Role == domain.RoleResponder:
		c.ringing = s.CallID
	case s.State == domain.StateEnded:
		if c.ringing == s.CallID {
			c.ringing = ""
		}
		if c.current == s.CallID {
			c.current = ""
		}
	case s.State == domain.StateConnecting && s.GroupCallID == "":
		c.current = s.CallID
		if c.ringing == s.CallID {
			c.ringing = ""
		}
	}
	c.mu.Unlock()

	switch s.State {
	case domain.StateRinging:
		if s.Role == domain.RoleResponder {
			name := s.RemoteName
			if name == "" {
				name = s.Remote.String()
			}
			c.printf("incoming %s call from %s (%s), accept or reject\n", s.Kind, name, s.CallID)
		} else {
			c.printf("ringing %s\n", s.Remote)
		}
	case domain.StateConnecting:
		c.printf("connecting to %s\n", s.Remote)
	case domain.StateActive:
		c.printf("in call with %s\n", s.Remote)
	case domain.StateEnded:
		c.printf("call with %s ended: %s\n", s.Remote, s.Reason)
	}
	if ev.VideoFailed {
		c.printf("camera unavailable, continuing with audio only\n")
	}
	log.Debug().
		Str("call_id", s.CallID.String()).
		Str("state", s.State.String()).
		Str("previous", ev.Previous.String()).
		Msg("Call state changed")
}

func (c *Console) CallTick(id domain.CallID, elapsed time.Duration) {
	elapsed = elapsed.Truncate(time.Second)
	if elapsed > 0 && elapsed%time.Minute == 0 {
		c.printf("%s: %s\n", id, elapsed)
	}
}

func (c *Console) GroupCallChanged(ev domain.GroupCallEvent) {
	c.mu.Lock()
	if ev.State == domain.GroupEnded {
		if c.group == ev.GroupCallID {
			c.group = ""
		}
	} else {
		c.group = ev.GroupCallID
	}
	c.mu.Unlock()

	switch ev.State {
	case domain.GroupRinging:
		c.printf("%s invites you to a %s group call in %s (%s), join or leave\n", ev.CallerID, ev.Kind, ev.GroupID, ev.GroupCallID)
	case domain.GroupJoined:
		c.printf("group %s: %d participants, connected to %v\n", ev.GroupID, len(ev.Participants), ev.Connected)
	case domain.GroupEnded:
		c.printf("group call %s ended: %s\n", ev.GroupCallID, ev.Reason)
	}
}

func (c *Console) callArg(args []string, ringing bool) domain.CallID {
	if len(args) > 0 {
		return domain.CallID(args[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ringing && c.ringing != "" {
		return c.ringing
	}
	if c.current != "" {
		return c.current
	}
	return c.ringing
}

// targetArg resolves toggles, which accept a call or a group call id.
func (c *Console) targetArg(args []string) domain.CallID {
	if len(args) > 0 {
		return domain.CallID(args[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != "" {
		return c.current
	}
	return domain.CallID(c.group)
}

func (c *Console) groupArg(args []string) domain.GroupCallID {
	if len(args) > 0 {
		return domain.GroupCallID(args[0])
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group
}

func (c *Console) setCurrent(id domain.CallID) {
	c.mu.Lock()
	c.current = id
	c.mu.Unlock()
}

func (c *Console) setGroup(id domain.GroupCallID) {
	c.mu.Lock()
	c.group = id
	c.mu.Unlock()
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func kindArg(args []string) (domain.CallKind, error) {
	if len(args) == 0 {
		return domain.KindAudio, nil
	}
	return domain.ParseCallKind(args[0])
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
