/*
Copyright 2024 CardLink Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package adminhttp

import (
	"strings"

	"github.com/veenone/cardlink-sub000/lib/session"
)

// ParseAdminFrom extracts card identifiers from an X-Admin-From header.
// The header carries one or more URI-shaped entries, semicolon
// separated:
//
//	//se/iccid/<digits>  //se/eid/<digits>  //terminal/imei/<digits>  //se/seid/<hex>
//
// Unknown entries are ignored.
func ParseAdminFrom(header string) session.Identifiers {
	var out session.Identifiers
	for _, entry := range strings.Split(header, ";") {
		entry = strings.TrimSpace(entry)
		switch {
		case strings.HasPrefix(entry, "//se/iccid/"):
			out.ICCID = strings.TrimPrefix(entry, "//se/iccid/")
		case strings.HasPrefix(entry, "//se/eid/"):
			out.EID = strings.TrimPrefix(entry, "//se/eid/")
		case strings.HasPrefix(entry, "//terminal/imei/"):
			out.IMEI = strings.TrimPrefix(entry, "//terminal/imei/")
		case strings.HasPrefix(entry, "//se/seid/"):
			out.SEID = strings.TrimPrefix(entry, "//se/seid/")
		}
	}
	return out
}
