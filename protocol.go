package polycall

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ProtocolState is one of the six fixed states of the connection
// lifecycle: INIT -> HANDSHAKE -> AUTH -> READY, with READY able to fall
// to ERROR, and both READY and ERROR able to reach the absorbing CLOSED
// state.
type ProtocolState int

const (
	StateInit ProtocolState = iota
	StateHandshake
	StateAuth
	StateReady
	StateError
	StateClosed
)

func (s ProtocolState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateHandshake:
		return "handshake"
	case StateAuth:
		return "auth"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("protocol.ProtocolState(%d)", int(s))
	}
}

// Transition names for the fixed protocol FSM, in the fixed lifecycle
// order: INIT=0, HANDSHAKE=1, AUTH=2, READY=3, ERROR=4, CLOSED=5 (final).
const (
	transitionToHandshake = "to_handshake"
	transitionToAuth      = "to_auth"
	transitionToReady     = "to_ready"
	transitionToError     = "to_error"
	transitionToClosed    = "to_closed"
)

// maxErrorLength bounds ProtocolContext's per-context error buffer,
// mirroring the source's 256-byte MAX_ERROR_LENGTH.
const maxErrorLength = 256

// Callbacks is the user-visible event surface. Every field is optional;
// a nil callback is a no-op. Implementations must not retain the
// *ProtocolContext passed to them beyond the call.
type Callbacks struct {
	// OnHandshake fires when a HANDSHAKE message is processed.
	OnHandshake func(ctx *ProtocolContext)
	// OnAuthRequest fires when an AUTH message is processed.
	OnAuthRequest func(ctx *ProtocolContext, credentials []byte)
	// OnCommand fires when a COMMAND message is processed.
	OnCommand func(ctx *ProtocolContext, payload []byte)
	// OnError fires when an ERROR message is processed.
	OnError func(ctx *ProtocolContext, message []byte)
	// OnStateChange fires exactly once per transition that actually
	// changes the cached protocol state, after the FSM has been updated.
	OnStateChange func(ctx *ProtocolContext, old, new ProtocolState)
}

// Config configures a ProtocolContext at Init time.
type Config struct {
	Callbacks      Callbacks
	MaxMessageSize int
	TimeoutMs      int
	UserData       any
}

func (c Config) withDefaults() Config {
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = DefaultMaxMessageSize
	}
	if c.TimeoutMs <= 0 {
		c.TimeoutMs = 5000
	}
	return c
}

// ProtocolContext owns one connection's worth of protocol state: an FSM
// preloaded with the six-state lifecycle, a sequence counter, a callback
// set, and a transport endpoint. It is a specialized user of the generic
// StateMachine in fsm.go.
//
// A ProtocolContext's zero value is not usable; construct one with
// NewProtocolContext. A single ProtocolContext must not be used from more
// than one goroutine concurrently except where noted (methods take an
// internal lock only to keep the cached state and the FSM's current
// state from being observed out of sync, not to make the whole API safe
// for arbitrary concurrent use).
type ProtocolContext struct {
	mu sync.Mutex

	id       uuid.UUID
	userCtx  any
	endpoint Transport
	config   Config
	logger   *zap.Logger

	sm    *StateMachine
	state ProtocolState

	nextSequence uint32

	errBuf string

	stateIDs map[ProtocolState]StateID
}

// NewProtocolContext builds a ProtocolContext: a fresh StateMachine
// preloaded with the INIT/HANDSHAKE/AUTH/READY/ERROR/CLOSED states and
// the to_handshake/to_auth/to_ready/to_error/to_closed transitions,
// bound to endpoint and configured per config. It fails only if endpoint
// is nil.
func NewProtocolContext(userCtx any, endpoint Transport, config Config) (*ProtocolContext, error) {
	if endpoint == nil {
		return nil, status(CodeInvalidArgs, ErrInvalidArgs)
	}

	pc := &ProtocolContext{
		id:           uuid.New(),
		userCtx:      userCtx,
		endpoint:     endpoint,
		config:       config.withDefaults(),
		nextSequence: 1,
		stateIDs:     make(map[ProtocolState]StateID, 6),
	}
	pc.logger = Logger.With(zap.String("conn", pc.id.String()))

	pc.sm = NewStateMachine(pc, nil)
	names := []struct {
		state ProtocolState
		name  string
		final bool
	}{
		{StateInit, "init", false},
		{StateHandshake, "handshake", false},
		{StateAuth, "auth", false},
		{StateReady, "ready", false},
		{StateError, "error", false},
		{StateClosed, "closed", true},
	}
	for _, n := range names {
		id, err := pc.sm.AddState(n.name, nil, nil, n.final)
		if err != nil {
			return nil, err
		}
		pc.stateIDs[n.state] = id
	}

	transitions := []struct {
		name     string
		from, to ProtocolState
	}{
		{transitionToHandshake, StateInit, StateHandshake},
		{transitionToAuth, StateHandshake, StateAuth},
		{transitionToReady, StateAuth, StateReady},
		{transitionToError, StateReady, StateError},
		{transitionToClosed, StateError, StateClosed},
	}
	for _, t := range transitions {
		if err := pc.sm.AddTransition(t.name, pc.stateIDs[t.from], pc.stateIDs[t.to], nil, nil); err != nil {
			return nil, err
		}
	}

	return pc, nil
}

// ID returns the diagnostic correlation id generated for this context at
// construction time. It never appears on the wire.
func (pc *ProtocolContext) ID() uuid.UUID { return pc.id }

// State returns the cached protocol state, which is synchronized with
// the underlying StateMachine's current state on every transition.
func (pc *ProtocolContext) State() ProtocolState {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.state
}

// IsConnected reports whether the context has progressed past INIT and
// has not yet failed: state is one of HANDSHAKE, AUTH, or READY.
func (pc *ProtocolContext) IsConnected() bool {
	switch pc.State() {
	case StateHandshake, StateAuth, StateReady:
		return true
	default:
		return false
	}
}

// IsAuthenticated reports whether the context has reached READY.
func (pc *ProtocolContext) IsAuthenticated() bool {
	return pc.State() == StateReady
}

// IsError reports whether the context has reached ERROR. A nil context
// is considered to be in error.
func (pc *ProtocolContext) IsError() bool {
	if pc == nil {
		return true
	}
	return pc.State() == StateError
}

// Error returns the most recent message recorded by SetError or a failed
// Process call, or "" if none has been recorded. This buffer lives on
// the context, not in process-wide storage: two ProtocolContexts never
// step on each other's error message.
func (pc *ProtocolContext) Error() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.errBuf
}

func (pc *ProtocolContext) recordError(msg string) {
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	pc.mu.Lock()
	pc.errBuf = msg
	pc.mu.Unlock()
}

// CanTransition reports whether target is a permitted destination from
// the context's current cached state, per the fixed lifecycle table.
// This gate takes precedence over the FSM core's looser acceptance (the
// StateMachine itself does not check that a transition's declared
// from-state matches CurrentState()) — it is what keeps the protocol
// lifecycle well-ordered.
func (pc *ProtocolContext) CanTransition(target ProtocolState) bool {
	switch pc.State() {
	case StateInit:
		return target == StateHandshake
	case StateHandshake:
		return target == StateAuth
	case StateAuth:
		return target == StateReady
	case StateReady:
		return target == StateError || target == StateClosed
	case StateError:
		return target == StateClosed
	default:
		return false
	}
}

// transitionName returns the fixed transition name landing on target.
func transitionName(target ProtocolState) string {
	switch target {
	case StateHandshake:
		return transitionToHandshake
	case StateAuth:
		return transitionToAuth
	case StateReady:
		return transitionToReady
	case StateError:
		return transitionToError
	case StateClosed:
		return transitionToClosed
	default:
		return ""
	}
}

// forceTransition executes the FSM transition landing on target
// unconditionally (no CanTransition gate), syncs the cached state, and
// fires OnStateChange if the state actually changed. It is the engine's
// panic path, used only by SetError.
func (pc *ProtocolContext) forceTransition(target ProtocolState) error {
	name := transitionName(target)
	if name == "" {
		return status(CodeTransitionFail, ErrTransitionFail)
	}

	if err := pc.sm.ExecuteTransition(name); err != nil {
		return err
	}

	pc.mu.Lock()
	old := pc.state
	pc.state = target
	pc.mu.Unlock()

	if old != target && pc.config.Callbacks.OnStateChange != nil {
		pc.config.Callbacks.OnStateChange(pc, old, target)
	}
	return nil
}

// gatedTransition is forceTransition preceded by a CanTransition check;
// it is what every lifecycle-driving operation (StartHandshake,
// CompleteHandshake, Update) uses.
func (pc *ProtocolContext) gatedTransition(target ProtocolState) error {
	if !pc.CanTransition(target) {
		return status(CodeTransitionFail, ErrTransitionFail)
	}
	return pc.forceTransition(target)
}

// Send assigns the next sequence number, frames type/flags/payload via
// Encode, and writes the result to the transport. It fails if the framed
// size exceeds the configured MaxMessageSize or the transport write is
// short. The sequence number is consumed even if the subsequent size
// check or write fails, matching the source's ordering.
func (pc *ProtocolContext) Send(msgType MessageType, payload []byte, flags Flags) (uint32, error) {
	pc.mu.Lock()
	seq := pc.nextSequence
	pc.nextSequence++
	pc.mu.Unlock()

	frame := Encode(msgType, flags, seq, payload)
	if len(frame) > pc.config.MaxMessageSize {
		return seq, status(CodeDecodeOversize, ErrDecodeOversize)
	}

	n, err := pc.endpoint.Send(frame)
	if err != nil {
		return seq, err
	}
	if n != len(frame) {
		return seq, status(CodeSendFail, ErrSendFail)
	}
	return seq, nil
}

// handshakePayload is the fixed little-endian payload StartHandshake
// sends: magic (4 bytes) + version (1 byte) + flags (2 bytes).
func handshakePayload() []byte {
	b := make([]byte, 7)
	b[0] = byte(ProtocolMagic)
	b[1] = byte(ProtocolMagic >> 8)
	b[2] = byte(ProtocolMagic >> 16)
	b[3] = 0
	b[4] = ProtocolVersion
	b[5] = 0
	b[6] = 0
	return b
}

// StartHandshake sends the fixed HANDSHAKE payload with the RELIABLE
// flag and transitions INIT -> HANDSHAKE. Valid only while the context is
// in INIT.
func (pc *ProtocolContext) StartHandshake() error {
	if pc.State() != StateInit {
		return status(CodeTransitionFail, ErrTransitionFail)
	}
	if _, err := pc.Send(MsgHandshake, handshakePayload(), FlagReliable); err != nil {
		return err
	}
	return pc.gatedTransition(StateHandshake)
}

// CompleteHandshake transitions HANDSHAKE -> AUTH. Valid only while the
// context is in HANDSHAKE.
func (pc *ProtocolContext) CompleteHandshake() error {
	if pc.State() != StateHandshake {
		return status(CodeTransitionFail, ErrTransitionFail)
	}
	return pc.gatedTransition(StateAuth)
}

// Authenticate sends credentials as an AUTH message with the
// ENCRYPTED|RELIABLE flags. It does not itself transition the state;
// the upper layer drives AUTH -> READY via Update once it judges
// authentication complete.
func (pc *ProtocolContext) Authenticate(credentials []byte) error {
	if len(credentials) == 0 {
		return status(CodeInvalidArgs, ErrInvalidArgs)
	}
	_, err := pc.Send(MsgAuth, credentials, FlagEncrypted|FlagReliable)
	return err
}

// Update is the poll-style auto-advance driver: from INIT it starts the
// handshake if permitted; from HANDSHAKE it advances to AUTH if
// permitted; from AUTH it advances to READY if permitted. All other
// states are terminal with respect to auto-advance — READY, ERROR, and
// CLOSED only change in response to explicit calls.
func (pc *ProtocolContext) Update() error {
	switch pc.State() {
	case StateInit:
		if pc.CanTransition(StateHandshake) {
			return pc.StartHandshake()
		}
	case StateHandshake:
		if pc.CanTransition(StateAuth) {
			return pc.gatedTransition(StateAuth)
		}
	case StateAuth:
		if pc.CanTransition(StateReady) {
			return pc.gatedTransition(StateReady)
		}
	}
	return nil
}

// SetError records message in the per-context error buffer (truncated to
// 256 bytes) and forces a transition to ERROR regardless of the current
// state. This is the engine's explicit panic path: the protocol core
// never transitions to ERROR on its own (see Process).
func (pc *ProtocolContext) SetError(message string) {
	pc.recordError(message)
	if err := pc.forceTransition(StateError); err != nil {
		pc.logger.Warn("set_error: forced transition failed", zap.Error(err))
	}
}

// Process decodes one complete frame and dispatches it to the matching
// callback. Decode failures are recovered locally: the reason is recorded
// via Error() and Process returns a non-nil error, but the state is left
// untouched — reaching ERROR requires an explicit SetError call.
func (pc *ProtocolContext) Process(frame []byte) error {
	header, payload, err := Decode(frame, pc.config.MaxMessageSize)
	if err != nil {
		pc.recordError(err.Error())
		return err
	}

	switch header.Type {
	case MsgHandshake:
		if cb := pc.config.Callbacks.OnHandshake; cb != nil {
			cb(pc)
		}
	case MsgAuth:
		if cb := pc.config.Callbacks.OnAuthRequest; cb != nil {
			cb(pc, payload)
		}
	case MsgCommand:
		if cb := pc.config.Callbacks.OnCommand; cb != nil {
			cb(pc, payload)
		}
	case MsgError:
		if cb := pc.config.Callbacks.OnError; cb != nil {
			cb(pc, payload)
		}
	case MsgHeartbeat:
		// Reserved for keepalive; no-op.
	}

	return nil
}

// UserData returns the opaque value the context was configured with.
func (pc *ProtocolContext) UserData() any { return pc.config.UserData }

// Cleanup destroys the owned StateMachine and releases the transport
// reference. Every NewProtocolContext must be paired with a Cleanup call
// on all exit paths (success, error, or teardown); the context must not
// be used afterward.
func (pc *ProtocolContext) Cleanup() error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	var err error
	if pc.endpoint != nil {
		err = pc.endpoint.Close()
	}
	pc.sm = nil
	pc.endpoint = nil
	pc.state = StateClosed
	pc.errBuf = ""
	return err
}
