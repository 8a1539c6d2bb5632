// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import "fmt"

// Options configures a Client. Options is a closed set: every field is
// recognized and validated at construction time; there is no mechanism
// to carry an unrecognized key, since Go structs cannot hold one.
type Options struct {
	// ConnectTimeoutMs bounds how long a single connect attempt may take
	// before the Client gives up and disconnects it itself. Zero
	// disables the timeout.
	ConnectTimeoutMs int

	// ConnectRetryMs is the base delay before the first reconnect
	// attempt after a failed connect.
	ConnectRetryMs int
	// ConnectRetryBackoffMs is added per additional failed attempt.
	ConnectRetryBackoffMs int
	// ConnectRetryMaxMs caps the computed retry delay.
	ConnectRetryMaxMs int
	// ConnectRetryMaxAttempts bounds the number of retries. -1 means
	// unlimited.
	ConnectRetryMaxAttempts int

	// Reconnect, if true, makes a transport failure while connected
	// trigger an immediate reconnect attempt.
	Reconnect bool

	// ActionTimeoutMs bounds how long an action callback may be
	// outstanding. Zero disables the timeout.
	ActionTimeoutMs int

	// FeedTimeoutMs bounds how long a feed-open request may be
	// outstanding. Zero disables the timeout.
	FeedTimeoutMs int

	// ReopenMaxAttempts bounds automatic feed reopens following
	// BAD_FEED_ACTION closures within ReopenTrailingMs. -1 means
	// unlimited, 0 disables automatic reopening.
	ReopenMaxAttempts int
	// ReopenTrailingMs is the trailing window over which
	// BAD_FEED_ACTION closures count toward ReopenMaxAttempts.
	ReopenTrailingMs int
}

// DefaultOptions returns the Options a Client is constructed with when
// the caller passes nil.
func DefaultOptions() Options {
	return Options{
		ConnectTimeoutMs:        10_000,
		ConnectRetryMs:          1_000,
		ConnectRetryBackoffMs:   1_000,
		ConnectRetryMaxMs:       30_000,
		ConnectRetryMaxAttempts: -1,
		Reconnect:               true,
		ActionTimeoutMs:         10_000,
		FeedTimeoutMs:           10_000,
		ReopenMaxAttempts:       10,
		ReopenTrailingMs:        60_000,
	}
}

// validate rejects an Options value that NewClient cannot act on. It
// never guesses at a corrected value; callers that want defaults start
// from DefaultOptions.
func (o Options) validate() error {
	nonNegative := func(name string, v int) error {
		if v < 0 {
			return NewError(CodeInvalidArgument, fmt.Errorf("%s must be >= 0, got %d", name, v))
		}
		return nil
	}
	if err := nonNegative("ConnectTimeoutMs", o.ConnectTimeoutMs); err != nil {
		return err
	}
	if err := nonNegative("ConnectRetryMs", o.ConnectRetryMs); err != nil {
		return err
	}
	if err := nonNegative("ConnectRetryBackoffMs", o.ConnectRetryBackoffMs); err != nil {
		return err
	}
	if err := nonNegative("ConnectRetryMaxMs", o.ConnectRetryMaxMs); err != nil {
		return err
	}
	if o.ConnectRetryMaxAttempts < -1 {
		return NewError(CodeInvalidArgument, fmt.Errorf("ConnectRetryMaxAttempts must be -1 or >= 0, got %d", o.ConnectRetryMaxAttempts))
	}
	if err := nonNegative("ActionTimeoutMs", o.ActionTimeoutMs); err != nil {
		return err
	}
	if err := nonNegative("FeedTimeoutMs", o.FeedTimeoutMs); err != nil {
		return err
	}
	if o.ReopenMaxAttempts < -1 {
		return NewError(CodeInvalidArgument, fmt.Errorf("ReopenMaxAttempts must be -1 or >= 0, got %d", o.ReopenMaxAttempts))
	}
	if err := nonNegative("ReopenTrailingMs", o.ReopenTrailingMs); err != nil {
		return err
	}
	return nil
}

// connectRetryDelayMs computes the delay before the (1-indexed) attempt'th
// reconnect, per spec: min(base + backoff*(attempt-1), max).
func (o Options) connectRetryDelayMs(attempt int) int {
	delay := o.ConnectRetryMs + o.ConnectRetryBackoffMs*(attempt-1)
	if delay > o.ConnectRetryMaxMs {
		return o.ConnectRetryMaxMs
	}
	return delay
}

// retryAttemptsExhausted reports whether attempt (the count after the
// increment for the failure just observed) has used up the configured
// retry budget.
func (o Options) retryAttemptsExhausted(attempt int) bool {
	if o.ConnectRetryMaxAttempts == -1 {
		return false
	}
	return attempt >= o.ConnectRetryMaxAttempts
}
