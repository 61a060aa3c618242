// Copyright 2015 Tamás Demeter-Haludka
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package blogify

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings of the Strict-Transport-Security header.
type HSTSConfig struct {
	MaxAge            time.Duration
	IncludeSubDomains bool
	Preload           bool
	// Hosts that never get the header. Ports are ignored.
	HostBlacklist []string
}

// Reads the "hsts" section of the config.
//
// The second return value is false when the section is missing.
func HSTSConfigFromViper(cfg *viper.Viper) (HSTSConfig, bool, error) {
	c := HSTSConfig{}
	if !cfg.IsSet("hsts") {
		return c, false, nil
	}

	if err := cfg.UnmarshalKey("hsts", &c); err != nil {
		return c, false, err
	}

	return c, true, nil
}

func (c HSTSConfig) String() string {
	if c.MaxAge <= 0 {
		return ""
	}

	directives := []string{"max-age=" + strconv.FormatInt(int64(c.MaxAge/time.Second), 10)}
	if c.IncludeSubDomains {
		directives = append(directives, "includeSubDomains")
	}
	if c.Preload {
		directives = append(directives, "preload")
	}

	return strings.Join(directives, "; ")
}

func hostname(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	return strings.ToLower(host)
}

// Sends the Strict-Transport-Security header, except for the blacklisted hosts.
func HSTSMiddleware(config HSTSConfig) func(http.Handler) http.Handler {
	headerValue := config.String()
	blacklist := make(map[string]bool, len(config.HostBlacklist))
	for _, host := range config.HostBlacklist {
		blacklist[hostname(host)] = true
	}

	return func(next http.Handler) http.Handler {
		if headerValue == "" {
			return next
		}

		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !blacklist[hostname(r.Host)] {
				w.Header().Set("Strict-Transport-Security", headerValue)
			}
			next.ServeHTTP(w, r)
		})
	}
}
