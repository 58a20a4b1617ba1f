// Package queuename is the naming authority: the only place stream, queue,
// and channel strings are constructed. Every function here is pure and
// touches no network, satisfying testable property 2 (name purity) -- for
// fixed inputs the same string comes back every time.
//
// Every name begins with "{prefix}:{env}:", per spec section 6. Environment
// defaults to "dev" when empty, matching the configuration default.
package queuename

import (
	"fmt"
	"strings"
)

const defaultEnvironment = "dev"

func env(environment string) string {
	if environment == "" {
		return defaultEnvironment
	}
	return environment
}

func withContext(base, routingContext string) string {
	if routingContext == "" {
		return base
	}
	return base + ":" + routingContext
}

// ActionStream names the stream a service consumes as part of its worker's
// consumer group: "{prefix}:{env}:{service}[:{context}]:actions:stream".
func ActionStream(prefix, environment, service, routingContext string) string {
	base := fmt.Sprintf("%s:%s:%s", prefix, env(environment), service)
	return withContext(base, routingContext) + ":actions:stream"
}

// ResponseQueue names the per-call pseudo-sync reply queue:
// "{prefix}:{env}:{origin_service}[:{context}]:responses:{action_name}:{correlation_id}".
func ResponseQueue(prefix, environment, originService, routingContext, actionName, correlationID string) string {
	base := fmt.Sprintf("%s:%s:%s", prefix, env(environment), originService)
	base = withContext(base, routingContext)
	return fmt.Sprintf("%s:responses:%s:%s", base, actionName, correlationID)
}

// CallbackQueue names the stable per-event callback queue:
// "{prefix}:{env}:{origin_service}[:{context}]:callbacks:{event_name}".
//
// This is stable per (origin_service, context, event_name), not per call --
// the spec's compatibility decision documented in DESIGN.md open question 2.
func CallbackQueue(prefix, environment, originService, routingContext, eventName string) string {
	base := fmt.Sprintf("%s:%s:%s", prefix, env(environment), originService)
	base = withContext(base, routingContext)
	return fmt.Sprintf("%s:callbacks:%s", base, eventName)
}

// NotificationChannel names a pub/sub channel:
// "{prefix}:{env}:{origin_service}[:{context}]:notifications:{event_name}".
func NotificationChannel(prefix, environment, originService, routingContext, eventName string) string {
	base := fmt.Sprintf("%s:%s:%s", prefix, env(environment), originService)
	base = withContext(base, routingContext)
	return fmt.Sprintf("%s:notifications:%s", base, eventName)
}

// DeadLetterStream derives the dead-letter stream name for an action
// stream, per Design Note section 9's dead-letter policy.
func DeadLetterStream(actionStream string) string {
	return actionStream + ":dead"
}

// TargetService extracts the target service from a dotted action_type of
// the form "<target_service>.<entity>.<verb>".
func TargetService(actionType string) (string, error) {
	parts := strings.SplitN(actionType, ".", 2)
	if len(parts) < 2 || parts[0] == "" {
		return "", fmt.Errorf("queuename: malformed action_type %q, expected <service>.<entity>.<verb>", actionType)
	}
	return parts[0], nil
}
