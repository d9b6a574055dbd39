package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/emberhall/hearth/internal/events"
	"github.com/emberhall/hearth/internal/history"
)

// Executor runs one Home Assistant service call, reporting only
// whether it succeeded.
type Executor interface {
	Execute(ctx context.Context, service string, data map[string]any) bool
}

// Config holds the confirmation vocabulary.
type Config struct {
	YesWords []string
	NoWords  []string
}

// Resolver turns a user's answer to a pending confirmation into an
// executed, canceled, or re-prompted outcome.
type Resolver struct {
	store  *Store
	exec   Executor
	hist   *history.Log
	bus    *events.Bus
	yes    map[string]bool
	no     map[string]bool
	logger *slog.Logger
}

// NewResolver wires a resolver over the store. bus may be nil.
func NewResolver(store *Store, exec Executor, hist *history.Log, bus *events.Bus, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	yes := make(map[string]bool, len(cfg.YesWords))
	for _, w := range cfg.YesWords {
		yes[w] = true
	}
	no := make(map[string]bool, len(cfg.NoWords))
	for _, w := range cfg.NoWords {
		no[w] = true
	}
	return &Resolver{
		store:  store,
		exec:   exec,
		hist:   hist,
		bus:    bus,
		yes:    yes,
		no:     no,
		logger: logger,
	}
}

// Resolve handles text as the answer to the pending session for key.
//
// An affirmative executes every command best-effort in order and
// deletes the session; the response distinguishes full success,
// partial failure (naming up to two failed calls), and total failure,
// with success true only when every command succeeded. A negative
// deletes the session and confirms the cancellation. Anything else
// re-prompts and leaves the session untouched.
func (r *Resolver) Resolve(ctx context.Context, key, text string, sess *Session) (string, bool) {
	answer := strings.ToLower(strings.TrimSpace(text))

	switch {
	case r.yes[answer]:
		return r.execute(ctx, key, text, sess)

	case r.no[answer]:
		r.store.Delete(key)
		r.logger.Info("request canceled", "key", key, "commands", len(sess.Commands))
		r.hist.Append(history.Entry{
			UserText:  text,
			DeviceID:  key,
			SessionID: key,
			Response:  "Request canceled.",
			Commands:  history.Refs(sess.Commands),
			Metadata:  map[string]string{"status": "canceled"},
		})
		return "Request canceled.", true

	default:
		r.logger.Debug("unrecognized confirmation answer", "key", key, "text", text)
		return "Please say yes or no.", false
	}
}

func (r *Resolver) execute(ctx context.Context, key, text string, sess *Session) (string, bool) {
	var failed []string
	for _, cmd := range sess.Commands {
		if !r.exec.Execute(ctx, cmd.Service, cmd.Data) {
			failed = append(failed, cmd.Label())
		}
	}
	r.store.Delete(key)

	success := len(failed) == 0
	var response string
	switch {
	case success:
		response = "Done."
	case len(failed) == len(sess.Commands):
		response = "Sorry, I couldn't complete any of the requested actions."
	default:
		response = "Completed some actions, but had trouble with: " + strings.Join(failed[:min(2, len(failed))], ", ")
		if len(failed) > 2 {
			response += " and " + strconv.Itoa(len(failed)-2) + " more"
		}
	}

	r.logger.Info("session executed",
		"key", key, "commands", len(sess.Commands), "failed", len(failed))
	r.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceSession,
		Kind:      events.KindCommandsExecuted,
		Data: map[string]any{
			"conversation_id": key,
			"commands":        len(sess.Commands),
			"failed":          len(failed),
		},
	})

	meta := map[string]string{"status": "executed"}
	if !success {
		meta["failed_commands"] = strings.Join(failed, ", ")
	}
	r.hist.Append(history.Entry{
		UserText:  text,
		DeviceID:  key,
		SessionID: key,
		Response:  response,
		Success:   &success,
		Commands:  history.Refs(sess.Commands),
		Metadata:  meta,
	})
	return response, success
}
