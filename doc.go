// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package feedme implements the client side of the Feedme protocol: a
// persistent, reconnecting connection to a server that exposes both
// request/response actions and long-lived, delta-updated feed
// subscriptions.
//
// A Client is built from an application-supplied Transport (the byte
// pipe) and a NewSession constructor (the wire-format session built
// atop it); the Client itself owns connection lifecycle, action
// dispatch and timeouts, and feed subscription bookkeeping, all driven
// by the events the Session reports. See Options for tuning connect
// retry, timeouts, and feed reopen throttling.
package feedme
