package automation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/studiopulse/autopilot/pkg/automation/runtime"
	"github.com/studiopulse/autopilot/pkg/storage"
)

// ActionContext carries everything an action implementation needs to append
// its single artifact to the store.
type ActionContext struct {
	InstanceKey int64
	ProcessName string
	EntityId    string
	Action      string
	Channel     runtime.Channel
	StepIndex   int
	Now         time.Time
}

// ActionFunc appends exactly one artifact (a queued notification, an
// escalation record, a channel-preference change or a dependent request).
// The returned note ends up on the StepResult.
type ActionFunc func(ctx context.Context, store storage.Storage, actx ActionContext) (note string, err error)

// actionChannels is the static action-to-channel table. Reminder-class
// actions go to the low-friction app channel, contact-class actions to the
// phone channel and escalations to the escalation channel.
var actionChannels = map[string]runtime.Channel{
	"send_reminder":          runtime.ChannelApp,
	"send_payment_reminder":  runtime.ChannelApp,
	"send_renewal_offer":     runtime.ChannelApp,
	"call_attempt":           runtime.ChannelPhone,
	"contact_guardian":       runtime.ChannelPhone,
	"escalate_owner":         runtime.ChannelEscalation,
	"switch_channel":         runtime.ChannelApp,
	"request_signature":      runtime.ChannelApp,
	"request_payment_update": runtime.ChannelApp,
}

// channelForAction resolves the delivery channel for an action code. Unknown
// codes fall back by prefix class, then to the app channel.
func channelForAction(action string) runtime.Channel {
	if ch, ok := actionChannels[action]; ok {
		return ch
	}
	switch {
	case strings.HasPrefix(action, "escalate"):
		return runtime.ChannelEscalation
	case strings.HasPrefix(action, "call"), strings.HasPrefix(action, "contact"):
		return runtime.ChannelPhone
	}
	return runtime.ChannelApp
}

// ActionRegistry resolves action codes to their implementations. Codes
// without a dedicated implementation queue a generic notification.
type ActionRegistry struct {
	actions map[string]ActionFunc
}

func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{actions: make(map[string]ActionFunc)}
	r.Register("escalate_owner", escalateOwner)
	r.Register("switch_channel", switchChannelPreference)
	r.Register("request_signature", dependentRequest("signature"))
	r.Register("request_payment_update", dependentRequest("payment_update"))
	return r
}

// Register binds an action code to an implementation, replacing any prior one.
func (r *ActionRegistry) Register(action string, fn ActionFunc) {
	r.actions[action] = fn
}

// Resolve returns the implementation for an action code.
func (r *ActionRegistry) Resolve(action string) ActionFunc {
	if fn, ok := r.actions[action]; ok {
		return fn
	}
	return queueNotification
}

// queueNotification is the default action: append one notification artifact
// for the external delivery collaborator.
func queueNotification(ctx context.Context, store storage.Storage, actx ActionContext) (string, error) {
	n := runtime.Notification{
		Id:             uuid.NewString(),
		Type:           actx.Action,
		TargetEntityId: actx.EntityId,
		Channel:        actx.Channel,
		Message:        messageForAction(actx),
		SentAt:         actx.Now,
	}
	if err := store.SaveNotification(ctx, n); err != nil {
		return "", fmt.Errorf("failed to queue notification: %w", err)
	}
	return "notification " + n.Id + " queued", nil
}

func escalateOwner(ctx context.Context, store storage.Storage, actx ActionContext) (string, error) {
	record := runtime.AutomationRecord{
		Key:        store.GenerateId(),
		ActionType: runtime.RecordEscalation,
		EntityType: "entity",
		EntityId:   actx.EntityId,
		Metadata: map[string]any{
			"processName": actx.ProcessName,
			"instanceKey": actx.InstanceKey,
			"stepIndex":   actx.StepIndex,
			"reason":      "automated escalation step",
		},
		CreatedAt: actx.Now,
	}
	if err := store.SaveAutomationRecord(ctx, record); err != nil {
		return "", fmt.Errorf("failed to create escalation record: %w", err)
	}
	return "escalation created for owner review", nil
}

func switchChannelPreference(ctx context.Context, store storage.Storage, actx ActionContext) (string, error) {
	record := runtime.AutomationRecord{
		Key:        store.GenerateId(),
		ActionType: runtime.RecordChannelChange,
		EntityType: "entity",
		EntityId:   actx.EntityId,
		Metadata: map[string]any{
			"processName": actx.ProcessName,
			"instanceKey": actx.InstanceKey,
			"newChannel":  string(runtime.ChannelPhone),
		},
		CreatedAt: actx.Now,
	}
	if err := store.SaveAutomationRecord(ctx, record); err != nil {
		return "", fmt.Errorf("failed to record channel preference change: %w", err)
	}
	return "channel preference switched", nil
}

// dependentRequest records that a follow-up artifact is required from the
// entity, e.g. a missing signature or an updated payment method.
func dependentRequest(kind string) ActionFunc {
	return func(ctx context.Context, store storage.Storage, actx ActionContext) (string, error) {
		record := runtime.AutomationRecord{
			Key:        store.GenerateId(),
			ActionType: runtime.RecordDependentRequest,
			EntityType: "entity",
			EntityId:   actx.EntityId,
			Metadata: map[string]any{
				"processName": actx.ProcessName,
				"instanceKey": actx.InstanceKey,
				"requestKind": kind,
			},
			CreatedAt: actx.Now,
		}
		if err := store.SaveAutomationRecord(ctx, record); err != nil {
			return "", fmt.Errorf("failed to create %s request: %w", kind, err)
		}
		return kind + " request created", nil
	}
}

func messageForAction(actx ActionContext) string {
	switch actx.Action {
	case "send_reminder":
		return "We miss you! Your next session is waiting."
	case "send_payment_reminder":
		return "Your last payment did not go through. Please update your payment details."
	case "send_renewal_offer":
		return "Your membership is up for renewal. Renew now to keep your spot."
	case "call_attempt":
		return "Please call the member to follow up."
	case "contact_guardian":
		return "Please contact the member's guardian to follow up."
	}
	return fmt.Sprintf("Automated follow-up (%s).", actx.Action)
}
