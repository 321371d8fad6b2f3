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

// Package cardlink holds constants shared across the CardLink
// OTA administration server, card simulator and tooling.
package cardlink

// Version is the semantic version of the cardlink module.
const Version = "0.4.0"

const (
	// ComponentAdminServer is the GP Amendment B administration server.
	ComponentAdminServer = "cardlink:admin"

	// ComponentSimulator is the card-side simulator client.
	ComponentSimulator = "cardlink:simulator"

	// ComponentUICC is the virtual UICC APDU dispatcher.
	ComponentUICC = "cardlink:uicc"

	// ComponentSCP02 is the GlobalPlatform SCP02 secure channel.
	ComponentSCP02 = "cardlink:scp02"

	// ComponentSession is the administrative session registry.
	ComponentSession = "cardlink:session"

	// ComponentScripts is the APDU script engine.
	ComponentScripts = "cardlink:scripts"

	// ComponentModem is the AT command transport.
	ComponentModem = "cardlink:modem"

	// ComponentNetsim is the network simulator adapter.
	ComponentNetsim = "cardlink:netsim"

	// ComponentEvents is the in-process event bus.
	ComponentEvents = "cardlink:events"

	// ComponentPSKTLS is the PSK-TLS transport layer.
	ComponentPSKTLS = "cardlink:psktls"
)

const (
	// ContentTypeCommand is the media type of server-to-card APDU bodies.
	ContentTypeCommand = "application/vnd.globalplatform.card-content-mgt;version=1.0"

	// ContentTypeResponse is the media type of card-to-server APDU bodies.
	ContentTypeResponse = "application/vnd.globalplatform.card-content-mgt-response;version=1.0"

	// AdminFromHeader carries the card identifiers on admin requests.
	AdminFromHeader = "X-Admin-From"

	// AdminProtocolHeader advertises the admin protocol revision.
	AdminProtocolHeader = "X-Admin-Protocol"

	// AdminResumeHeader signals session resumption.
	AdminResumeHeader = "X-Admin-Resume"
)
