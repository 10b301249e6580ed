/*
Package queryserver dispatches client-facing mutation and query
requests onto pkg/engine and pkg/entityindex, and tracks watched-query
registrations so it can push pkg/events-driven result updates back to
clients over pkg/transport. It is the server half of §6's
request/response and watched-query protocol; pkg/queryclient is the
other half.
*/
package queryserver
