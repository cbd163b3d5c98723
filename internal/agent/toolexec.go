package agent

import (
	"context"
	"fmt"

	"loom/internal/bus"
	"loom/internal/session"
	"loom/internal/tools"
	"loom/pkg/logger"
)

// startToolBatch moves the assistant's calls into the dispatch queue and
// begins sequential execution. Calls are never parallelised within a
// batch: steering prompts take effect between calls, and later calls may
// depend on earlier results.
func (a *Agent) startToolBatch(assistant session.Message) {
	a.status = StatusExecutingTools
	a.batchMsg = &assistant
	a.remaining = append([]session.ToolCall(nil), assistant.ToolCalls...)
	a.results = nil
	a.dispatchNext()
}

// dispatchNext pops the next call, or finalises the batch when the queue
// is empty or steering input arrived.
func (a *Agent) dispatchNext() {
	if len(a.pendingPrompts) > 0 && len(a.remaining) > 0 {
		// Steering takes priority: skip the remaining calls and let the
		// next turn's repair pass answer them.
		logger.Debug().
			Str("session_id", a.sess.ID()).
			Int("skipped", len(a.remaining)).
			Msg("steering input, skipping remaining tool calls")
		a.remaining = nil
	}
	if len(a.remaining) == 0 {
		a.finishBatch()
		return
	}

	call := a.remaining[0]
	a.remaining = a.remaining[1:]

	a.publish(bus.Event{
		Type:   bus.EventToolExecutionStart,
		Tool:   call.Name,
		CallID: call.CallID,
		Args:   call.Arguments,
		Meta:   a.registry.Meta(call.Name, call.Arguments),
	})

	tool, ok := a.registry.Get(call.Name)
	if !ok {
		a.recordResult(call, tools.NewErrorResult("Tool not found"))
		a.dispatchNext()
		return
	}

	tc := tools.Context{
		WorkingDir: a.cfg.WorkingDir,
		SessionID:  a.sess.ID(),
		CallID:     call.CallID,
		Snapshot: tools.StateSnapshot{
			SessionID:    a.sess.ID(),
			Status:       string(a.status),
			Model:        a.model,
			MessageCount: len(a.sess.Path()),
			WorkingDir:   a.cfg.WorkingDir,
		},
		Emit: func(chunk string) {
			a.publish(bus.Event{
				Type:       bus.EventStatus,
				StatusText: chunk,
				Tool:       call.Name,
				CallID:     call.CallID,
			})
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.toolCancel = cancel
	a.toolSeq++
	seq := a.toolSeq

	go func() {
		defer func() {
			if r := recover(); r != nil {
				out := toolOutcome{
					seq:    seq,
					call:   call,
					result: tools.NewErrorResult(fmt.Sprintf("Tool execution crashed: %v", r)),
				}
				select {
				case a.toolDone <- out:
				case <-a.stopC:
				}
			}
		}()

		res, err := tool.Execute(ctx, call.Arguments, tc)
		if err != nil {
			res = tools.NewErrorResult(err.Error())
		}
		res.Content = tools.TruncateResult(res.Content, tools.DefaultMaxResultBytes)

		select {
		case a.toolDone <- toolOutcome{seq: seq, call: call, result: res}:
		case <-a.stopC:
		}
	}()
}

func (a *Agent) handleToolOutcome(out toolOutcome) {
	if out.seq != a.toolSeq || a.status != StatusExecutingTools {
		// Outcome of a cancelled or abandoned task.
		return
	}
	if a.toolCancel != nil {
		a.toolCancel()
		a.toolCancel = nil
	}
	a.recordResult(out.call, out.result)
	a.dispatchNext()
}

func (a *Agent) recordResult(call session.ToolCall, res tools.Result) {
	a.results = append(a.results, toolOutcome{call: call, result: res})
	a.publish(bus.Event{
		Type:    bus.EventToolExecutionEnd,
		Tool:    call.Name,
		CallID:  call.CallID,
		Result:  res.Content,
		IsError: res.IsError,
	})
}

// appendCollectedResults writes the batch results to the session in the
// original call order.
func (a *Agent) appendCollectedResults() {
	for _, r := range a.results {
		a.sess.Append(session.Message{
			Role:    session.RoleToolResult,
			CallID:  r.call.CallID,
			Content: r.result.Content,
			Error:   r.result.IsError,
		})
	}
	a.results = nil
}

// finishBatch commits the results and loops into the next provider turn.
func (a *Agent) finishBatch() {
	a.appendCollectedResults()
	if a.batchMsg != nil {
		a.publish(bus.Event{Type: bus.EventTurnEnd, Message: a.batchMsg})
		a.batchMsg = nil
	}
	a.runTurn()
}
