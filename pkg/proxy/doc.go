// Copyright 2024-2026 Aiku AI

// Package proxy implements an HTTP/WebSocket gateway between mobile clients
// and a Matrix homeserver that hosts bridge bots for external messaging
// platforms (WhatsApp, Telegram, Bluesky, Twitter, Instagram).
//
// The proxy keeps one long-lived Matrix session per logged-in user and drives
// scripted conversations with the per-platform bridge bot control rooms to
// link and unlink external accounts. Bot replies are free text, so each
// platform declares an ordered list of response patterns; the first reply
// matching any pattern decides the outcome of the in-flight operation, raced
// against a deadline.
//
// # Core Types
//
// [Registry] owns the per-user [Session] handles. Sessions are created on
// login or on the first request that needs protocol access, and replaced
// wholesale on re-login. Creation is guarded by singleflight so two
// concurrent first-requests for the same user produce exactly one session.
//
// [Session] wraps the Matrix client behind the [MatrixAPI] interface and
// maintains a sync-fed room cache (names, members, unread counts). It hands
// out cancellable timeline subscriptions; the [Orchestrator] relies on those
// being detached on every exit path to avoid listener leaks across repeated
// link attempts on the same room.
//
// [Orchestrator] runs the link/unlink conversations. Platform differences
// (command scripts, response patterns, logout commands) live entirely in
// [Platform] declarations; adding a platform means declaring data, not
// control flow.
//
// [Fanout] forwards inbound room messages to connected WebSocket clients and
// to the push gateway. The two delivery channels are independent and are
// never deduplicated against each other.
package proxy
