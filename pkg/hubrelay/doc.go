/*
Package hubrelay models each real-time client connection as a durable,
addressable actor that remembers which server instance holds the live
transport and relays outbound messages to it over a pub/sub fabric.

# Overview

A connection actor has one durable ConnectionRecord (hub name, connection
ID, server ID) rebuilt from an event log, plus runtime-only supervision
state: a counter of sends dropped while disconnected and the handle of its
subscription to the server's server-down topic.

	Unconfigured --Configure--> Disconnected --OnConnect--> Connected
	      \                         |                          |
	       `------------------ OnDisconnect ------------------'
	                                |
	                           Deactivated

Sends to a connected actor are published on the server's inbound topic.
Sends to a disconnected actor are dropped; after MaxFailAttempts of them the
actor disconnects itself. A notification on the server-down topic
disconnects every actor bound to that server.

Disconnecting clears the server ID durably, so a later activation starts
disconnected. Passivation (eviction from memory, Host.Passivate) keeps the
server ID and the server-down subscription, which still reactivates and
disconnects the actor when its server goes down. Host.Close detaches the
subscription instead; the fabric holds notices until a later activation
resumes it.

# Basic Usage

	store := eventlog.NewMemoryStore()
	fab := fabric.NewLocalFabric(fabric.DefaultConfig)
	host := hubrelay.NewHost(store, fab)
	defer host.Close(ctx)

	conn := host.Ref("c1")
	_ = conn.Configure(ctx, hubrelay.WithHubName("chatHub"), hubrelay.WithConnectionID("c1"))
	_ = conn.OnConnect(ctx, serverID)
	_ = conn.Send(ctx, "hello") // published on server-inbound/<serverID>

# Concurrency

The host keeps at most one live instance per connection ID and activates it
lazily on the first call. Configure, OnConnect and OnDisconnect on the same
connection never overlap; Send and SendOneWay may run concurrently with
each other and with those calls.

# Errors

Event log failures surface as *PersistError, a failed server-down
subscription as *SubscribeError and a failed publish while connected as
*RouteError. Dropped sends are not errors.
*/
package hubrelay
