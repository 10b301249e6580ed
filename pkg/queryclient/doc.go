/*
Package queryclient is the client half of §6's mutation/query/watched-
query protocol: synchronous Mutate/Query calls with a deadline, and a
Watch call that re-registers on an interval and streams result updates
until the caller drops it. It talks to pkg/queryserver over
pkg/transport.
*/
package queryclient
