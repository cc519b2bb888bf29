// Package notifier defines the notification channel abstraction and the
// registry that picks which channel delivers a message.
//
// Channels are thin: one Send call, no retry. Failures come back as
// *DeliveryError so callers can tell an unreachable recipient from a
// transient platform problem.
package notifier
