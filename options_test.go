// Copyright 2026 The Feedme Client Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package feedme

import "testing"

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		name    string
		opts    Options
		wantErr bool
	}{
		{"defaults", DefaultOptions(), false},
		{"zero values with unlimited attempts", Options{ConnectRetryMaxAttempts: -1}, false},
		{"unlimited attempts", func() Options { o := DefaultOptions(); o.ConnectRetryMaxAttempts = -1; return o }(), false},
		{"attempts below -1", func() Options { o := DefaultOptions(); o.ConnectRetryMaxAttempts = -2; return o }(), true},
		{"negative connect timeout ms", func() Options { o := DefaultOptions(); o.ConnectTimeoutMs = -1; return o }(), true},
		{"negative reopen trailing", func() Options { o := DefaultOptions(); o.ReopenTrailingMs = -1; return o }(), true},
		{"reopen attempts below -1", func() Options { o := DefaultOptions(); o.ReopenMaxAttempts = -2; return o }(), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.opts.validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestConnectRetryDelayMs(t *testing.T) {
	o := Options{ConnectRetryMs: 1000, ConnectRetryBackoffMs: 1000, ConnectRetryMaxMs: 4000}

	cases := []struct {
		attempt int
		want    int
	}{
		{1, 1000},
		{2, 2000},
		{3, 3000},
		{4, 4000},
		{5, 4000}, // capped
		{10, 4000},
	}
	for _, tc := range cases {
		if got := o.connectRetryDelayMs(tc.attempt); got != tc.want {
			t.Errorf("connectRetryDelayMs(%d) = %d, want %d", tc.attempt, got, tc.want)
		}
	}
}

func TestRetryAttemptsExhausted(t *testing.T) {
	unlimited := Options{ConnectRetryMaxAttempts: -1}
	if unlimited.retryAttemptsExhausted(1000) {
		t.Errorf("unlimited retries reported exhausted")
	}

	bounded := Options{ConnectRetryMaxAttempts: 3}
	if bounded.retryAttemptsExhausted(2) {
		t.Errorf("attempt 2 of 3 reported exhausted")
	}
	if !bounded.retryAttemptsExhausted(3) {
		t.Errorf("attempt 3 of 3 not reported exhausted")
	}
}
