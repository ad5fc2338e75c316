// Package notifications delivers run lifecycle events via pluggable notifiers.
//
// ntfy push notifications are formatted for people and filtered by the
// per-event switches in config.toml. The Kafka publisher writes every event as
// a JSON envelope for downstream consumers, with dead-lettered work items on a
// separate topic. NewService gracefully degrades to a no-op when neither is
// configured.
//
// Orchestration code depends only on the Service interface; wrap it with
// Logged so delivery failures never fail a run.
package notifications
