// Copyright 2025 Chris Watkins
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tracehttp dumps HTTP traffic for debugging Graph API calls.
package tracehttp

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
)

// traceTransport is an http.RoundTripper that writes a dump of the
// request and response to an io.Writer while delegating the real work
// to another http.RoundTripper.
type traceTransport struct {
	delegate http.RoundTripper
	out      io.Writer
}

// RoundTrip dumps the request and response around the delegated round
// trip. Dump failures are ignored; tracing never breaks the call.
func (t *traceTransport) RoundTrip(req *http.Request) (resp *http.Response, err error) {
	dump, dumpErr := httputil.DumpRequestOut(req, true)
	if dumpErr == nil {
		fmt.Fprintln(t.out, string(dump))
	}
	resp, err = t.delegate.RoundTrip(req)
	if err == nil {
		dump, dumpErr = httputil.DumpResponse(resp, true)
		if dumpErr == nil {
			fmt.Fprintln(t.out, string(dump))
		}
	}
	return resp, err
}

// Wrap returns a RoundTripper that traces every exchange through d to
// out. A nil d delegates to http.DefaultTransport.
func Wrap(d http.RoundTripper, out io.Writer) http.RoundTripper {
	if d == nil {
		d = http.DefaultTransport
	}
	return &traceTransport{delegate: d, out: out}
}

// WrapClient installs tracing on an existing client's transport.
func WrapClient(c *http.Client, out io.Writer) {
	c.Transport = Wrap(c.Transport, out)
}
