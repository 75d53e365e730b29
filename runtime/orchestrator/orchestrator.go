package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/complyline/complyline/runtime/auth"
	"github.com/complyline/complyline/runtime/dispatch"
	"github.com/complyline/complyline/runtime/session"
	"github.com/complyline/complyline/runtime/task"
	"github.com/complyline/complyline/runtime/telemetry"
)

type (
	// Options configures an Orchestrator.
	Options struct {
		// Sessions is the durable session store. Required.
		Sessions session.Store
		// Locker serializes turns per session key. Defaults to an in-process
		// KeyLocker; replace it when turns for one session may arrive on
		// multiple processes.
		Locker session.Locker
		// Tasks is the durable task store. Required.
		Tasks task.Store
		// Guard authorizes tool calls for the acting role. Required.
		Guard auth.Guard
		// Oracle is the tool-calling model. Required.
		Oracle Oracle
		// Registry provides the known task types and payload validation.
		// Required.
		Registry *dispatch.Registry
		// MaxToolRounds caps oracle/tool round-trips per turn. Exceeding it
		// forces a final textual response. Defaults to 5.
		MaxToolRounds int
		// WaitFor bounds synchronous waiting for a created task. Zero means
		// never wait: every created task returns a pending marker the client
		// polls.
		WaitFor time.Duration
		// AwaitPoll is the poll interval while waiting. Defaults to 50ms.
		AwaitPoll time.Duration
		// Kicker wakes the dispatcher after a local enqueue. Optional.
		Kicker Kicker
		// Limiter throttles oracle calls across all sessions. Optional.
		Limiter *rate.Limiter
		// Logger receives orchestrator logs. Defaults to no-op.
		Logger telemetry.Logger
	}

	// Kicker is the dispatcher wake-up hook.
	Kicker interface {
		Kick()
	}

	// Orchestrator consumes user messages and drives the tool-calling loop.
	Orchestrator struct {
		sessions session.Store
		locker   session.Locker
		tasks    task.Store
		guard    auth.Guard
		oracle   Oracle
		registry *dispatch.Registry

		maxToolRounds int
		waitFor       time.Duration
		awaitPoll     time.Duration
		kicker        Kicker
		limiter       *rate.Limiter
		logger        telemetry.Logger
	}

	// TurnInput is one incoming conversation turn.
	TurnInput struct {
		// SessionKey is the client-supplied key. Empty or unknown keys are
		// honored by creating a session, never by failing the request.
		SessionKey string
		// Owner is the acting actor. Required.
		Owner string
		// Role is the acting actor's role, used for tool authorization.
		Role auth.Role
		// Message is the user's message text. Required.
		Message string
	}

	// TurnOutput is the response to one turn.
	TurnOutput struct {
		// SessionKey echoes the resolved key so clients can continue the
		// conversation even when the store minted or adopted a key.
		SessionKey string `json:"session_key"`
		// Reply is the assistant's textual response.
		Reply string `json:"reply"`
		// PendingTaskID is set when a created task outlived the synchronous
		// wait budget; clients poll the task read model for completion.
		PendingTaskID string `json:"pending_task_id,omitempty"`
	}
)

const (
	defaultMaxToolRounds = 5
	titleLimit           = 80

	degradedReply  = "The assistant is temporarily unavailable. Your message was saved; please try again."
	exhaustedReply = "I reached the limit of tool operations for this request. The work completed so far has been recorded."
)

// New validates the options and builds an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("session store is required")
	}
	if opts.Tasks == nil {
		return nil, errors.New("task store is required")
	}
	if opts.Guard == nil {
		return nil, errors.New("guard is required")
	}
	if opts.Oracle == nil {
		return nil, errors.New("oracle is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("registry is required")
	}
	o := &Orchestrator{
		sessions:      opts.Sessions,
		locker:        opts.Locker,
		tasks:         opts.Tasks,
		guard:         opts.Guard,
		oracle:        opts.Oracle,
		registry:      opts.Registry,
		maxToolRounds: opts.MaxToolRounds,
		waitFor:       opts.WaitFor,
		awaitPoll:     opts.AwaitPoll,
		kicker:        opts.Kicker,
		limiter:       opts.Limiter,
		logger:        opts.Logger,
	}
	if o.locker == nil {
		o.locker = session.NewKeyLocker()
	}
	if o.maxToolRounds <= 0 {
		o.maxToolRounds = defaultMaxToolRounds
	}
	if o.logger == nil {
		o.logger = telemetry.NewNoopLogger()
	}
	return o, nil
}

// Turn processes one user message: resolve the session, run the bounded
// tool-calling loop, and append the turn's messages in one atomic write under
// the session lock.
//
// Failure semantics: an oracle outage degrades to a canned reply with the
// user message still persisted and no partial task created. A tool call the
// guard or schema rejects becomes an error-bearing tool message the oracle
// sees on the next round; it never becomes a task.
func (o *Orchestrator) Turn(ctx context.Context, in TurnInput) (TurnOutput, error) {
	if in.Owner == "" {
		return TurnOutput{}, errors.New("owner is required")
	}
	if in.Message == "" {
		return TurnOutput{}, errors.New("message is required")
	}

	sess, created, err := o.sessions.Resolve(ctx, in.SessionKey, in.Owner)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("resolve session: %w", err)
	}
	unlock := o.locker.Lock(sess.Key)
	defer unlock()

	if created {
		o.logger.Info(ctx, "session created", "session", sess.Key, "owner", in.Owner)
		if err := o.sessions.SetTitle(ctx, sess.Key, truncate(in.Message, titleLimit)); err != nil {
			return TurnOutput{}, fmt.Errorf("set session title: %w", err)
		}
	}

	history, err := o.sessions.Messages(ctx, sess.Key)
	if err != nil {
		return TurnOutput{}, fmt.Errorf("load session history: %w", err)
	}

	turn := []session.Message{{
		Role:      session.RoleUser,
		Content:   in.Message,
		Timestamp: time.Now().UTC(),
	}}

	out := TurnOutput{SessionKey: sess.Key}
	for round := 0; ; round++ {
		if round >= o.maxToolRounds {
			out.Reply = exhaustedReply
			turn = append(turn, assistantMessage(exhaustedReply, nil))
			break
		}

		res, oracleErr := o.converse(ctx, ConverseInput{
			Messages: append(append([]session.Message{}, history...), turn...),
			Tools:    o.registry.Types(),
		})
		if oracleErr != nil {
			o.logger.Error(ctx, "oracle unavailable", "session", sess.Key, "err", oracleErr)
			out.Reply = degradedReply
			turn = append(turn, assistantMessage(degradedReply, nil))
			break
		}

		if len(res.ToolCalls) == 0 {
			out.Reply = res.Reply
			turn = append(turn, assistantMessage(res.Reply, nil))
			break
		}

		turn = append(turn, assistantMessage(res.Reply, res.ToolCalls))
		toolMsgs, pendingID := o.runToolCalls(ctx, in, res.ToolCalls)
		turn = append(turn, toolMsgs...)
		if pendingID != "" {
			// A task outlived the wait budget; stop reasoning and hand the
			// client a pending marker instead of blocking the turn.
			out.PendingTaskID = pendingID
			out.Reply = res.Reply
			if out.Reply == "" {
				out.Reply = "Working on it. The requested operation is still running."
			}
			break
		}
	}

	if err := o.sessions.AppendMessages(ctx, sess.Key, turn); err != nil {
		return TurnOutput{}, fmt.Errorf("append turn messages: %w", err)
	}
	return out, nil
}

// converse invokes the oracle under the shared rate limit.
func (o *Orchestrator) converse(ctx context.Context, in ConverseInput) (ConverseResult, error) {
	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return ConverseResult{}, err
		}
	}
	return o.oracle.Converse(ctx, in)
}

// runToolCalls authorizes, validates, and enqueues each requested tool call,
// returning the tool-result messages for the turn and the ID of the first
// task still pending after the wait budget (empty when every call resolved).
func (o *Orchestrator) runToolCalls(ctx context.Context, in TurnInput, calls []ToolCall) ([]session.Message, string) {
	var msgs []session.Message
	var pendingID string
	for _, call := range calls {
		if !o.guard.Can(in.Role, auth.CreateTask(call.Name)) {
			o.logger.Warn(ctx, "tool call denied", "tool", call.Name, "role", in.Role, "owner", in.Owner)
			msgs = append(msgs, toolMessage(fmt.Sprintf("authorization denied: role %q may not request %q", in.Role, call.Name), ""))
			continue
		}
		if err := o.registry.ValidatePayload(call.Name, call.Arguments); err != nil {
			msgs = append(msgs, toolMessage(fmt.Sprintf("invalid tool arguments: %s", err), ""))
			continue
		}

		created, err := o.tasks.Create(ctx, task.NewTask{
			Type:      call.Name,
			Payload:   call.Arguments,
			CreatedBy: in.Owner,
		})
		if err != nil {
			o.logger.Error(ctx, "task create failed", "tool", call.Name, "err", err)
			msgs = append(msgs, toolMessage(fmt.Sprintf("task creation failed: %s", err), ""))
			continue
		}
		o.logger.Info(ctx, "task created", "task", created.ID, "type", created.Type, "owner", in.Owner)
		if o.kicker != nil {
			o.kicker.Kick()
		}

		if o.waitFor <= 0 {
			msgs = append(msgs, toolMessage("task pending", created.ID))
			if pendingID == "" {
				pendingID = created.ID
			}
			continue
		}

		finished, awaitErr := Await(ctx, o.tasks, created.ID, o.waitFor, o.awaitPoll)
		switch {
		case awaitErr == nil && finished.Status == task.StatusCompleted:
			msgs = append(msgs, toolMessage(resultContent(finished), created.ID))
		case awaitErr == nil && finished.Status == task.StatusFailed:
			msgs = append(msgs, toolMessage(fmt.Sprintf("task failed: %s", finished.ErrorMessage), created.ID))
		default:
			msgs = append(msgs, toolMessage("task pending", created.ID))
			if pendingID == "" {
				pendingID = created.ID
			}
		}
	}
	return msgs, pendingID
}

func resultContent(t task.Task) string {
	if len(t.Result) == 0 {
		return "task completed"
	}
	return string(t.Result)
}

func assistantMessage(content string, calls []ToolCall) session.Message {
	msg := session.Message{
		Role:      session.RoleAssistant,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
	for _, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, session.ToolCallRef{Name: c.Name, Arguments: c.Arguments})
	}
	return msg
}

func toolMessage(content, taskID string) session.Message {
	return session.Message{
		Role:      session.RoleTool,
		Content:   content,
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
	}
}

// truncate shortens s to at most limit bytes without splitting a rune.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
