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

/*
Package graphhttp builds the HTTP client used to call the Microsoft
Graph API.

Authentication uses the OAuth 2.0 client credentials grant against the
tenant's Microsoft identity platform token endpoint. The returned
client attaches a bearer token to every request and refreshes it
transparently when it expires.

A token is fetched eagerly during construction so that a bad
credential fails the run before anything touches the mailbox or the
database.
*/
package graphhttp

import (
	"context"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
	"golang.org/x/oauth2/clientcredentials"
)

// scope requests whatever application permissions the tenant admin
// consented to for this client.
const scope = "https://graph.microsoft.com/.default"

// Config identifies the application to the tenant.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// New returns an HTTP client that authenticates every request for the
// Graph API. Any non-token response from the identity endpoint is
// fatal.
func New(ctx context.Context, cfg Config) (*http.Client, error) {
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL: fmt.Sprintf(
			"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
			cfg.TenantID),
		Scopes: []string{scope},
	}
	if _, err := cc.Token(ctx); err != nil {
		return nil, errors.Wrap(err, "acquiring graph access token")
	}
	return cc.Client(ctx), nil
}
